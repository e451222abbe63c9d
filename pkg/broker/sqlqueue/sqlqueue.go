// Package sqlqueue implements broker.TaskQueue on a SQL table, for
// deployments that already run Postgres or want a single-file SQLite queue.
//
// A job row is leased by bumping its attempt counter and pushing visible_at
// into the future; an expired lease makes the row claimable again. Ack deletes
// the row and Nak moves visible_at to the requested redelivery time, both
// guarded by the attempt number so a stale lease cannot settle a newer
// delivery.
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fluxorio/claimbridge/pkg/broker"
	"github.com/fluxorio/claimbridge/pkg/core"
	"github.com/fluxorio/claimbridge/pkg/db"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Config configures the queue table and lease behavior.
type Config struct {
	// Table holds the jobs. Default: "claimbridge_tasks".
	Table string `yaml:"table" json:"table"`

	// Queue partitions the table so several queues can share it. Default: "jobs".
	Queue string `yaml:"queue" json:"queue"`

	// VisibilityTimeout is the lease on a received job. Default: 30s.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" json:"visibility_timeout"`

	// PollInterval spaces claim attempts while the queue is empty. Default: 250ms.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`

	// MaxDeliver stops handing out a job after that many attempts; 0 means unlimited.
	MaxDeliver int `yaml:"max_deliver" json:"max_deliver"`
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = "claimbridge_tasks"
	}
	if c.Queue == "" {
		c.Queue = "jobs"
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	return c
}

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case db.DriverPostgres, db.DriverPgx:
		return dialectPostgres, nil
	case db.DriverSQLite:
		return dialectSQLite, nil
	}
	return 0, core.InvalidConfigf("sqlqueue: unsupported driver %q", driver)
}

// Queue is a broker.TaskQueue backed by one SQL table.
type Queue struct {
	db      *sql.DB
	cfg     Config
	dialect dialect
	now     func() time.Time

	claimSQL   string
	enqueueSQL string
	ackSQL     string
	nakSQL     string
	touchSQL   string
	countSQL   string
}

var _ broker.TaskQueue = (*Queue)(nil)

// Option customizes a Queue.
type Option func(*Queue)

// WithClock overrides the time source used for leases.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New prepares a queue on conn. driver is the database/sql driver name conn
// was opened with. The table is created when missing.
func New(ctx context.Context, conn *sql.DB, driver string, cfg Config, opts ...Option) (*Queue, error) {
	if conn == nil {
		return nil, core.InvalidConfigf("sqlqueue: db is required")
	}
	cfg = cfg.withDefaults()
	if !identRe.MatchString(cfg.Table) {
		return nil, core.InvalidConfigf("sqlqueue: invalid table name %q", cfg.Table)
	}
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	q := &Queue{db: conn, cfg: cfg, dialect: d, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	q.buildStatements()

	if err := q.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) buildStatements() {
	t := q.cfg.Table
	maxDeliver := ""
	if q.cfg.MaxDeliver > 0 {
		maxDeliver = " AND attempts < " + strconv.Itoa(q.cfg.MaxDeliver)
	}
	lock := ""
	if q.dialect == dialectPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}

	q.claimSQL = q.rebind(fmt.Sprintf(`UPDATE %[1]s SET attempts = attempts + 1, visible_at = ?
WHERE queue = ? AND id = (
  SELECT id FROM %[1]s WHERE queue = ? AND visible_at <= ?%[2]s
  ORDER BY enqueued_at, id LIMIT 1%[3]s
)
RETURNING id, payload, attempts`, t, maxDeliver, lock))
	q.enqueueSQL = q.rebind(fmt.Sprintf(`INSERT INTO %s (queue, id, payload, attempts, visible_at, enqueued_at)
VALUES (?, ?, ?, 0, ?, ?) ON CONFLICT (queue, id) DO NOTHING`, t))
	q.ackSQL = q.rebind(fmt.Sprintf(`DELETE FROM %s WHERE queue = ? AND id = ? AND attempts = ?`, t))
	q.nakSQL = q.rebind(fmt.Sprintf(`UPDATE %s SET visible_at = ? WHERE queue = ? AND id = ? AND attempts = ?`, t))
	q.touchSQL = q.nakSQL
	q.countSQL = q.rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE queue = ?`, t))
}

func (q *Queue) ensureSchema(ctx context.Context) error {
	payloadType := "BYTEA"
	if q.dialect == dialectSQLite {
		payloadType = "BLOB"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  queue TEXT NOT NULL,
  id TEXT NOT NULL,
  payload %s NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  visible_at BIGINT NOT NULL,
  enqueued_at BIGINT NOT NULL,
  PRIMARY KEY (queue, id)
)`, q.cfg.Table, payloadType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_ready ON %[1]s (queue, visible_at, enqueued_at)`, q.cfg.Table),
	}
	for _, s := range stmts {
		if _, err := q.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("sqlqueue: schema: %w", err)
		}
	}
	return nil
}

// rebind turns ? placeholders into $n for Postgres.
func (q *Queue) rebind(query string) string {
	if q.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Enqueue inserts a job. An id already queued is ignored.
func (q *Queue) Enqueue(ctx context.Context, data []byte, id string) error {
	if id == "" {
		id = uuid.NewString()
	}
	if data == nil {
		data = []byte{}
	}
	now := q.now().UnixNano()
	if _, err := q.db.ExecContext(ctx, q.enqueueSQL, q.cfg.Queue, id, data, now, now); err != nil {
		return fmt.Errorf("sqlqueue: enqueue %s: %w", id, err)
	}
	return nil
}

// Receive claims the oldest visible job, polling until one is available or
// ctx is done.
func (q *Queue) Receive(ctx context.Context) (broker.Delivery, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		d, err := q.claim(ctx)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		timer.Reset(q.cfg.PollInterval)
	}
}

func (q *Queue) claim(ctx context.Context) (*delivery, error) {
	now := q.now()
	lease := now.Add(q.cfg.VisibilityTimeout).UnixNano()

	d := &delivery{q: q}
	err := q.db.QueryRowContext(ctx, q.claimSQL, lease, q.cfg.Queue, q.cfg.Queue, now.UnixNano()).
		Scan(&d.id, &d.data, &d.attempt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlqueue: claim: %w", err)
	}
	return d, nil
}

// Len returns the number of queued jobs, leased ones included.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, q.countSQL, q.cfg.Queue).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlqueue: count: %w", err)
	}
	return n, nil
}

func (q *Queue) settle(ctx context.Context, query string, args ...interface{}) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return broker.ErrLeaseLost
	}
	return nil
}

type delivery struct {
	q       *Queue
	id      string
	data    []byte
	attempt int
}

var (
	_ broker.Delivery = (*delivery)(nil)
	_ broker.Toucher  = (*delivery)(nil)
)

func (d *delivery) Data() []byte { return d.data }
func (d *delivery) ID() string   { return d.id }
func (d *delivery) Attempt() int { return d.attempt }

func (d *delivery) Ack(ctx context.Context) error {
	if err := d.q.settle(ctx, d.q.ackSQL, d.q.cfg.Queue, d.id, d.attempt); err != nil {
		return fmt.Errorf("sqlqueue: ack %s: %w", d.id, err)
	}
	return nil
}

func (d *delivery) Nak(ctx context.Context, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	visible := d.q.now().Add(delay).UnixNano()
	if err := d.q.settle(ctx, d.q.nakSQL, visible, d.q.cfg.Queue, d.id, d.attempt); err != nil {
		return fmt.Errorf("sqlqueue: nak %s: %w", d.id, err)
	}
	return nil
}

// Touch extends the lease by another visibility timeout.
func (d *delivery) Touch(ctx context.Context) error {
	visible := d.q.now().Add(d.q.cfg.VisibilityTimeout).UnixNano()
	if err := d.q.settle(ctx, d.q.touchSQL, visible, d.q.cfg.Queue, d.id, d.attempt); err != nil {
		return fmt.Errorf("sqlqueue: touch %s: %w", d.id, err)
	}
	return nil
}
