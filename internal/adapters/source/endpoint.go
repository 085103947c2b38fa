package source

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ghalamif/Tether/internal/ports"
)

// ParseEndpoint reads "[user@]host[:port]". A missing port is left at zero.
func ParseEndpoint(s string) (ports.Endpoint, error) {
	var ep ports.Endpoint
	s = strings.TrimSpace(s)
	if s == "" {
		return ep, fmt.Errorf("empty endpoint")
	}
	if at := strings.LastIndex(s, "@"); at >= 0 {
		ep.User = s[:at]
		s = s[at+1:]
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// No port: accept bare hosts, including bracketed IPv6.
		host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		port = ""
	}
	if host == "" {
		return ep, fmt.Errorf("endpoint %q: missing host", s)
	}
	ep.Host = host
	if port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return ep, fmt.Errorf("endpoint %q: invalid port %q", s, port)
		}
		ep.Port = p
	}
	return ep, nil
}
