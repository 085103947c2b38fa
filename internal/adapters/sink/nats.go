package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ghalamif/Tether/internal/adapters/codec"
	"github.com/ghalamif/Tether/internal/domain"
	"github.com/ghalamif/Tether/internal/ports"
)

type NATSConfig struct {
	URL              string `yaml:"url"`
	Subject          string `yaml:"subject"`
	Stream           string `yaml:"stream"`
	PublishTimeoutMs int    `yaml:"publish_timeout_ms"`
}

func (c *NATSConfig) ApplyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Subject == "" {
		c.Subject = "tether.records"
	}
	if c.PublishTimeoutMs <= 0 {
		c.PublishTimeoutMs = 5000
	}
}

func (c *NATSConfig) Validate() error {
	if c.Subject == "" {
		return errors.New("subject is required")
	}
	return nil
}

// Publisher is the slice of jetstream.JetStream the sink needs.
type Publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATS publishes each record to a JetStream subject. The message id is
// "<run>/<epoch>/<seq>" so the stream drops duplicates from retries.
type NATS struct {
	cfg NATSConfig

	mu    sync.RWMutex
	conn  *nats.Conn
	js    Publisher
	runID string
}

func NewNATS(cfg NATSConfig) (*NATS, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &NATS{cfg: cfg}, nil
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) BindRun(runID string) {
	n.mu.Lock()
	n.runID = runID
	n.mu.Unlock()
}

// Reconnect drops the current connection, if any, and dials again. When a
// stream name is configured the stream is created or updated to capture the
// subject.
func (n *NATS) Reconnect(ctx context.Context) error {
	conn, err := nats.Connect(n.cfg.URL,
		nats.Name("tether"),
		nats.Timeout(n.timeout()),
	)
	if err != nil {
		return domain.Transient(fmt.Errorf("nats connect %s: %w", n.cfg.URL, err))
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return domain.Transient(fmt.Errorf("jetstream: %w", err))
	}
	if n.cfg.Stream != "" {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       n.cfg.Stream,
			Subjects:   []string{n.cfg.Subject},
			Duplicates: 2 * time.Minute,
		})
		if err != nil {
			conn.Close()
			return domain.Transient(fmt.Errorf("ensure stream %s: %w", n.cfg.Stream, err))
		}
	}

	n.mu.Lock()
	old := n.conn
	n.conn, n.js = conn, js
	n.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (n *NATS) Write(ctx context.Context, r *domain.Record) error {
	n.mu.RLock()
	js, runID := n.js, n.runID
	n.mu.RUnlock()
	if js == nil {
		return domain.Transient(errors.New("nats: not connected"))
	}

	payload, err := codec.Encode(r)
	if err != nil {
		return domain.Fatal(fmt.Errorf("encode record %s: %w", r.Key(), err))
	}

	pubCtx, cancel := context.WithTimeout(ctx, n.timeout())
	defer cancel()

	msg := nats.NewMsg(n.cfg.Subject)
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, MessageID(runID, r))
	msg.Header.Set("Content-Type", "application/json")

	_, err = js.PublishMsg(pubCtx, msg)
	if err != nil {
		return classifyNATS(ctx, err)
	}
	return nil
}

func (n *NATS) Close() error {
	n.mu.Lock()
	conn := n.conn
	n.conn, n.js = nil, nil
	n.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Drain()
}

func (n *NATS) timeout() time.Duration {
	return time.Duration(n.cfg.PublishTimeoutMs) * time.Millisecond
}

// MessageID is the de-duplication id of a record within a run.
func MessageID(runID string, r *domain.Record) string {
	return fmt.Sprintf("%s/%d/%d", runID, r.Epoch, r.Seq)
}

func classifyNATS(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, nats.ErrMaxPayload) || errors.Is(err, nats.ErrBadSubject) {
		return domain.Fatal(err)
	}
	return domain.Transient(err)
}

var (
	_ ports.Sink        = (*NATS)(nil)
	_ ports.Reconnector = (*NATS)(nil)
	_ ports.RunBinder   = (*NATS)(nil)
)
