package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/lib/pq"

	"github.com/ghalamif/Tether/internal/adapters/codec"
	"github.com/ghalamif/Tether/internal/domain"
	"github.com/ghalamif/Tether/internal/ports"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

type TimescaleConfig struct {
	ConnString  string `yaml:"conn_string"`
	Table       string `yaml:"table"`
	SourceName  string `yaml:"source_name"`
	CreateTable bool   `yaml:"create_table"`
}

func (c *TimescaleConfig) ApplyDefaults() {
	if c.Table == "" {
		c.Table = "telemetry"
	}
	if c.SourceName == "" {
		c.SourceName = "tether"
	}
}

func (c *TimescaleConfig) Validate() error {
	if c.ConnString == "" {
		return errors.New("conn_string is required")
	}
	if !identRe.MatchString(c.Table) {
		return fmt.Errorf("invalid table name %q", c.Table)
	}
	return nil
}

// Timescale writes one row per record. Rows are keyed on (run_id, epoch, seq)
// so a retried insert is a no-op.
type Timescale struct {
	db     *sql.DB
	table  string
	source string

	mu    sync.RWMutex
	runID string
}

func NewTimescale(db *sql.DB, table, source string) *Timescale {
	return &Timescale{db: db, table: table, source: source}
}

// OpenTimescale opens a lib/pq pool for cfg.
func OpenTimescale(cfg TimescaleConfig) (*Timescale, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", cfg.ConnString)
	if err != nil {
		return nil, err
	}
	return NewTimescale(db, cfg.Table, cfg.SourceName), nil
}

func (t *Timescale) Name() string { return "timescaledb" }

func (t *Timescale) BindRun(runID string) {
	t.mu.Lock()
	t.runID = runID
	t.mu.Unlock()
}

// EnsureSchema creates the table and its hypertable if missing.
func (t *Timescale) EnsureSchema(ctx context.Context) error {
	ddl := "CREATE TABLE IF NOT EXISTS " + t.table + ` (
	run_id      TEXT        NOT NULL,
	source      TEXT        NOT NULL,
	epoch       BIGINT      NOT NULL,
	seq         BIGINT      NOT NULL,
	captured_at TIMESTAMPTZ NOT NULL,
	fields      JSONB       NOT NULL,
	PRIMARY KEY (run_id, epoch, seq, captured_at)
)`
	if _, err := t.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", t.table, err)
	}
	if _, err := t.db.ExecContext(ctx, "SELECT create_hypertable($1, 'captured_at', if_not_exists => TRUE)", t.table); err != nil {
		return fmt.Errorf("create hypertable %s: %w", t.table, err)
	}
	return nil
}

func (t *Timescale) Write(ctx context.Context, r *domain.Record) error {
	fields, err := codec.Encode(r)
	if err != nil {
		return domain.Fatal(fmt.Errorf("encode record %s: %w", r.Key(), err))
	}

	t.mu.RLock()
	runID := t.runID
	t.mu.RUnlock()

	query := "INSERT INTO " + t.table +
		" (run_id, source, epoch, seq, captured_at, fields) VALUES ($1,$2,$3,$4,$5,$6)" +
		" ON CONFLICT DO NOTHING"

	_, err = t.db.ExecContext(ctx, query,
		runID,
		t.source,
		int64(r.Epoch),
		int64(r.Seq),
		r.CapturedAt,
		string(fields),
	)
	if err != nil {
		return classifyPQ(err)
	}
	return nil
}

// Reconnect verifies the pool can reach the server again.
func (t *Timescale) Reconnect(ctx context.Context) error {
	if err := t.db.PingContext(ctx); err != nil {
		return classifyPQ(err)
	}
	return nil
}

func (t *Timescale) Close() error { return t.db.Close() }

func classifyPQ(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Data exceptions and constraint violations fail the same way on every
	// attempt; connection, resource and operator classes recover.
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23":
			return domain.Fatal(err)
		}
	}
	return domain.Transient(err)
}

var (
	_ ports.Sink        = (*Timescale)(nil)
	_ ports.Reconnector = (*Timescale)(nil)
	_ ports.RunBinder   = (*Timescale)(nil)
)
