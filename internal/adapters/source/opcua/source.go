// Package opcua reads records from an OPC UA server subscription. Each
// data-change notification on a monitored node becomes one record.
package opcua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/ghalamif/Tether/internal/domain"
	"github.com/ghalamif/Tether/internal/ports"
)

// Config captures the runtime details required to open an OPC UA session.
type Config struct {
	Endpoint         string        `yaml:"endpoint"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	SecurityMode     string        `yaml:"security_mode"`
	SecurityPolicy   string        `yaml:"security_policy"`
	ApplicationName  string        `yaml:"application_name"`
	PublishInterval  time.Duration `yaml:"publish_interval"`
	SamplingInterval time.Duration `yaml:"sampling_interval"`
	Nodes            []NodeConfig  `yaml:"nodes"`
}

// NodeConfig defines a monitored node and the record fields it fills.
type NodeConfig struct {
	NodeID   string `yaml:"node_id"`
	SensorID string `yaml:"sensor_id"`
	ValueKey string `yaml:"value_key"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "Tether"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 250 * time.Millisecond
	}
	if c.SamplingInterval < 0 {
		c.SamplingInterval = 0
	}
	for i := range c.Nodes {
		if c.Nodes[i].SensorID == "" {
			c.Nodes[i].SensorID = c.Nodes[i].NodeID
		}
		if c.Nodes[i].ValueKey == "" {
			c.Nodes[i].ValueKey = "value"
		}
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if len(c.Nodes) == 0 {
		return errors.New("at least one node must be configured")
	}
	for _, n := range c.Nodes {
		if _, err := ua.ParseNodeID(n.NodeID); err != nil {
			return fmt.Errorf("node %q: %w", n.NodeID, err)
		}
	}
	return nil
}

// Source opens one client session and subscription per epoch.
type Source struct {
	cfg  Config
	idle time.Duration
	now  func() time.Time
}

// New validates cfg. idle bounds the wait for the next notification; zero
// selects 30s.
func New(cfg Config, idle time.Duration) (*Source, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if idle <= 0 {
		idle = 30 * time.Second
	}
	return &Source{cfg: cfg, idle: idle, now: time.Now}, nil
}

func (s *Source) Name() string { return "opcua" }

func (s *Source) Open(ctx context.Context, epoch uint64) (ports.SourceHandle, error) {
	client, err := opcua.NewClient(s.cfg.Endpoint, s.clientOptions()...)
	if err != nil {
		return nil, &domain.ConnectError{Reason: domain.ConnectNetwork, Err: fmt.Errorf("opcua new client: %w", err)}
	}
	if err := client.Connect(ctx); err != nil {
		return nil, &domain.ConnectError{Reason: classifyConnect(err), Err: fmt.Errorf("opcua connect: %w", err)}
	}

	notifyCh := make(chan *opcua.PublishNotificationData, len(s.cfg.Nodes)*4)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: s.cfg.PublishInterval,
	}, notifyCh)
	if err != nil {
		_ = client.Close(ctx)
		return nil, &domain.ConnectError{Reason: domain.ConnectRemoteExit, Err: fmt.Errorf("opcua subscribe: %w", err)}
	}

	nodes := make(map[uint32]NodeConfig, len(s.cfg.Nodes))
	for i, node := range s.cfg.Nodes {
		nodeID, err := ua.ParseNodeID(node.NodeID)
		if err != nil {
			release(ctx, sub, client)
			return nil, fmt.Errorf("parse node id %q: %w", node.NodeID, err)
		}
		handle := uint32(i + 1)
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle)
		if s.cfg.SamplingInterval > 0 {
			req.RequestedParameters.SamplingInterval = float64(s.cfg.SamplingInterval / time.Millisecond)
		}
		res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
		if err != nil {
			release(ctx, sub, client)
			return nil, &domain.ConnectError{Reason: domain.ConnectNetwork, Err: fmt.Errorf("monitor node %q: %w", node.NodeID, err)}
		}
		if len(res.Results) == 0 || res.Results[0].StatusCode != ua.StatusOK {
			release(ctx, sub, client)
			status := "empty result"
			if len(res.Results) > 0 {
				status = res.Results[0].StatusCode.Error()
			}
			return nil, &domain.ConnectError{Reason: domain.ConnectRemoteExit, Err: fmt.Errorf("monitor node %q failed: %s", node.NodeID, status)}
		}
		nodes[handle] = node
	}

	return &handle{
		epoch:  epoch,
		client: client,
		sub:    sub,
		notify: notifyCh,
		nodes:  nodes,
		idle:   s.idle,
		now:    s.now,
		done:   make(chan struct{}),
	}, nil
}

func (s *Source) clientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(s.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(s.cfg.SecurityPolicy)),
		opcua.ApplicationName(s.cfg.ApplicationName),
		// The supervisor owns reconnection and epochs.
		opcua.AutoReconnect(false),
	}
	if s.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(s.cfg.Username, s.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

type pending struct {
	rec *domain.Record
	err error
}

type handle struct {
	epoch  uint64
	seq    uint64
	client *opcua.Client
	sub    *opcua.Subscription
	notify chan *opcua.PublishNotificationData
	nodes  map[uint32]NodeConfig
	idle   time.Duration
	now    func() time.Time

	queue     []pending
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (h *handle) Epoch() uint64 { return h.epoch }

func (h *handle) Next(ctx context.Context) (*domain.Record, error) {
	timer := time.NewTimer(h.idle)
	defer timer.Stop()

	for len(h.queue) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.done:
			return nil, &domain.SourceError{Cause: domain.CauseNetwork, Err: errors.New("opcua handle closed")}
		case <-timer.C:
			return nil, &domain.SourceError{Cause: domain.CauseTimeout, Err: fmt.Errorf("no notification within %s", h.idle)}
		case notif, ok := <-h.notify:
			if !ok {
				return nil, domain.ErrEndOfStream
			}
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				return nil, &domain.SourceError{Cause: domain.CauseNetwork, Err: notif.Error}
			}
			h.collect(notif.Value)
		}
	}

	p := h.queue[0]
	h.queue = h.queue[1:]
	return p.rec, p.err
}

func (h *handle) collect(val any) {
	data, ok := val.(*ua.DataChangeNotification)
	if !ok {
		return
	}
	for _, item := range data.MonitoredItems {
		node, ok := h.nodes[item.ClientHandle]
		if !ok {
			continue
		}
		rec, err := recordFromItem(node, item, h.now)
		if err != nil {
			h.queue = append(h.queue, pending{err: err})
			continue
		}
		rec.Epoch = h.epoch
		rec.Seq = h.seq
		h.seq++
		h.queue = append(h.queue, pending{rec: rec})
	}
}

func recordFromItem(node NodeConfig, item *ua.MonitoredItemNotification, now func() time.Time) (*domain.Record, error) {
	if item == nil || item.Value == nil {
		return nil, &domain.DecodeError{Raw: []byte(node.NodeID), Reason: "notification without value"}
	}
	v, ok := variantToValue(item.Value.Value)
	if !ok {
		var raw any
		if item.Value.Value != nil {
			raw = item.Value.Value.Value()
		}
		return nil, &domain.DecodeError{
			Raw:    []byte(fmt.Sprintf("%s=%v", node.NodeID, raw)),
			Reason: fmt.Sprintf("unsupported value type %T", raw),
		}
	}

	rec, err := domain.NewRecord(
		domain.Field{Name: "sensor_id", Value: node.SensorID},
		domain.Field{Name: "node_id", Value: node.NodeID},
		domain.Field{Name: node.ValueKey, Value: v},
	)
	if err != nil {
		return nil, &domain.DecodeError{Raw: []byte(node.NodeID), Reason: err.Error()}
	}

	ts := item.Value.SourceTimestamp
	if ts.IsZero() {
		ts = item.Value.ServerTimestamp
	}
	if ts.IsZero() {
		ts = now()
	}
	rec.CapturedAt = ts
	return rec, nil
}

func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if e := h.sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
			h.closeErr = errors.Join(h.closeErr, e)
		}
		if e := h.client.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
			h.closeErr = errors.Join(h.closeErr, e)
		}
	})
	return h.closeErr
}

func release(ctx context.Context, sub *opcua.Subscription, client *opcua.Client) {
	if sub != nil {
		_ = sub.Cancel(ctx)
	}
	if client != nil {
		_ = client.Close(ctx)
	}
}

func classifyConnect(err error) domain.ConnectReason {
	switch {
	case errors.Is(err, ua.StatusBadUserAccessDenied),
		errors.Is(err, ua.StatusBadIdentityTokenInvalid),
		errors.Is(err, ua.StatusBadIdentityTokenRejected),
		errors.Is(err, ua.StatusBadCertificateInvalid),
		errors.Is(err, ua.StatusBadSecurityChecksFailed):
		return domain.ConnectAuth
	default:
		return domain.ConnectNetwork
	}
}

func variantToValue(v *ua.Variant) (domain.Value, bool) {
	if v == nil {
		return nil, false
	}
	switch val := v.Value().(type) {
	case bool, string:
		return val, true
	case float32, float64, int8, uint8, int16, uint16, int32, uint32, int64, uint64:
		return domain.NormalizeValue(val)
	default:
		return nil, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var _ ports.Source = (*Source)(nil)
