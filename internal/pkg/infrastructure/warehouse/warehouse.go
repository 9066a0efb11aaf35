// Package warehouse is the cold, columnar store for decorated
// telemetry: one row per sample, partitioned by day and clustered by
// device id. No BigQuery or DynamoDB driver exists anywhere in the
// retrieved example pack, so this is built on the teacher's own
// gorm.io/gorm stack (Postgres in production, SQLite for tests)
// instead of fabricating a cloud SDK dependency.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Mode selects how a device's table name is derived, per spec.md §6's
// `{@none|@dev_type|@dev_gen|@dev_id|<literal>}` enum.
type Mode string

const (
	ModeNone    Mode = "@none"
	ModeDevType Mode = "@dev_type"
	ModeDevGen  Mode = "@dev_gen"
	ModeDevID   Mode = "@dev_id"
)

const (
	flushSize     = 500
	flushInterval = 2 * time.Second
	submitBuffer  = 20000

	tableCreateThrottle   = 60 * time.Second
	rangeScanMaxRetries   = 2
	rangeScanRetryBackoff = 2600 * time.Millisecond
)

// ErrRangeScanExhausted is wrapped into the error RangeScan returns
// once it has used up its retry budget, so callers like the history
// compiler can recognize a throttled upstream and surface
// spec.md §7's `provision_error: true` instead of a hard failure.
var ErrRangeScanExhausted = errors.New("warehouse: range scan exhausted retries")

// Record is one warehouse row: a decorated sample attached to a device
// and day partition, payload kept as the JSON text the caller already
// serialized.
type Record struct {
	ID        uint      `gorm:"primaryKey"`
	Timestamp time.Time `gorm:"index:idx_ts_day"`
	Day       string    `gorm:"index:idx_ts_day"`
	DevID     string    `gorm:"index"`
	Payload   string    `gorm:"type:text"`
}

// Client batches row inserts into a shared channel with a
// size-threshold + time-threshold flusher, and serves the paginated
// range scans the HTTP history handlers need.
type Client struct {
	db  *gorm.DB
	log zerolog.Logger

	mode    Mode
	literal string

	submit chan rowSubmission
	stop   chan struct{}
	wg     sync.WaitGroup

	mu            sync.Mutex
	lastTableTry  map[string]time.Time
	migratedTable map[string]bool

	onDiscard func()
}

type rowSubmission struct {
	table string
	rec   Record
}

// ConnectorFunc mirrors the teacher's database.ConnectorFunc shape.
type ConnectorFunc func() (*gorm.DB, zerolog.Logger, error)

func NewPostgreSQLConnector(log zerolog.Logger) ConnectorFunc {
	host := env.GetVariableOrDefault(log, "WAREHOUSE_SQLDB_HOST", "")
	user := env.GetVariableOrDefault(log, "WAREHOUSE_SQLDB_USER", "")
	name := env.GetVariableOrDefault(log, "WAREHOUSE_SQLDB_NAME", "")
	password := env.GetVariableOrDefault(log, "WAREHOUSE_SQLDB_PASSWORD", "")
	sslMode := env.GetVariableOrDefault(log, "WAREHOUSE_SQLDB_SSLMODE", "require")

	dsn := fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password=%s", host, user, name, sslMode, password)

	return func() (*gorm.DB, zerolog.Logger, error) {
		sublogger := log.With().Str("host", host).Str("database", name).Logger()

		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.New(&sublogger, logger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
			}),
		})
		return db, sublogger, err
	}
}

func NewSQLiteConnector(log zerolog.Logger) ConnectorFunc {
	return func() (*gorm.DB, zerolog.Logger, error) {
		db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		return db, log, err
	}
}

// New opens the warehouse and starts its batching flusher. mode and
// literal together implement spec.md §6's table-name enum; literal is
// used verbatim when mode is neither of the @-prefixed values.
func New(connect ConnectorFunc, mode Mode, literal string, onDiscard func()) (*Client, error) {
	db, log, err := connect()
	if err != nil {
		return nil, fmt.Errorf("warehouse: failed to connect: %w", err)
	}

	c := &Client{
		db:            db,
		log:           log,
		mode:          mode,
		literal:       literal,
		submit:        make(chan rowSubmission, submitBuffer),
		stop:          make(chan struct{}),
		lastTableTry:  map[string]time.Time{},
		migratedTable: map[string]bool{},
		onDiscard:     onDiscard,
	}

	c.wg.Add(1)
	go c.flushLoop()

	return c, nil
}

func (c *Client) Close() {
	close(c.stop)
	c.wg.Wait()
}

// TableFor derives the destination table name for a sample, per
// spec.md §6's mode enum. devGen is the device's hardware generation
// (kept distinct from kind since two kinds can share a generation);
// callers that don't track generation separately from kind may pass
// the same value for both.
func (c *Client) TableFor(kind, devGen, devID string) string {
	switch c.mode {
	case ModeNone:
		return ""
	case ModeDevType:
		return "telemetry_" + sanitizeTableSuffix(kind)
	case ModeDevGen:
		return "telemetry_" + sanitizeTableSuffix(devGen)
	case ModeDevID:
		return "telemetry_" + sanitizeTableSuffix(devID)
	default:
		return c.literal
	}
}

func sanitizeTableSuffix(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Insert submits a row for batched persistence. It never blocks: on a
// full submit buffer the incoming row is dropped (rows already queued
// are kept) and onDiscard is invoked.
func (c *Client) Insert(table string, rec Record) {
	if table == "" {
		return
	}
	select {
	case c.submit <- rowSubmission{table: table, rec: rec}:
	default:
		if c.onDiscard != nil {
			c.onDiscard()
		}
	}
}

func (c *Client) flushLoop() {
	defer c.wg.Done()

	buffers := map[string][]Record{}
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flushAll := func() {
		for table, rows := range buffers {
			if len(rows) == 0 {
				continue
			}
			c.flush(table, rows)
			buffers[table] = buffers[table][:0]
		}
	}

	for {
		select {
		case <-c.stop:
			flushAll()
			return
		case sub := <-c.submit:
			buffers[sub.table] = append(buffers[sub.table], sub.rec)
			if len(buffers[sub.table]) >= flushSize {
				c.flush(sub.table, buffers[sub.table])
				buffers[sub.table] = buffers[sub.table][:0]
			}
		case <-ticker.C:
			flushAll()
		}
	}
}

func (c *Client) flush(table string, rows []Record) {
	batch := append([]Record(nil), rows...)

	err := c.db.Table(table).CreateInBatches(&batch, flushSize).Error
	if err == nil {
		return
	}

	if !isTableNotFound(err) {
		c.log.Error().Err(err).Str("table", table).Msg("warehouse insert failed")
		return
	}

	if c.ensureTable(table) {
		if err := c.db.Table(table).CreateInBatches(&batch, flushSize).Error; err != nil {
			c.log.Error().Err(err).Str("table", table).Msg("warehouse insert failed after table creation")
		}
	}
}

// ensureTable runs the creation hook for table at most once per
// tableCreateThrottle window, per spec.md §6 ("invokes a creation hook
// exactly once per table, rate-limited ... then retries"). Returns
// true when the table was created or migrated, and false when the
// attempt was skipped because the throttle window hadn't elapsed or
// the creation failed (the caller should then not expect the table to
// exist yet).
func (c *Client) ensureTable(table string) bool {
	c.mu.Lock()
	last, tried := c.lastTableTry[table]
	if tried && time.Since(last) < tableCreateThrottle {
		c.mu.Unlock()
		return false
	}
	c.lastTableTry[table] = time.Now()
	c.mu.Unlock()

	if err := c.db.Table(table).AutoMigrate(&Record{}); err != nil {
		c.log.Error().Err(err).Str("table", table).Msg("failed to create warehouse table")
		return false
	}
	return true
}

// RangeScan reads every row for devID in [from, to) from table,
// ordered by timestamp. A failed read is retried up to
// rangeScanMaxRetries times, with spec.md §5's fixed 2.6s backoff
// between attempts; a table-not-found error instead triggers the
// creation hook and retries without sleeping, and that retry counts
// against the same rangeScanMaxRetries limit.
func (c *Client) RangeScan(ctx context.Context, table, devID string, from, to time.Time) ([]Record, error) {
	var records []Record
	var lastErr error

	for attempt := 0; attempt <= rangeScanMaxRetries; attempt++ {
		err := c.db.WithContext(ctx).Table(table).
			Where("dev_id = ? AND timestamp >= ? AND timestamp < ?", devID, from, to).
			Order("timestamp asc").
			Find(&records).Error
		if err == nil {
			return records, nil
		}

		lastErr = err
		if isTableNotFound(err) {
			c.ensureTable(table)
			continue
		}

		if attempt < rangeScanMaxRetries {
			time.Sleep(rangeScanRetryBackoff)
		}
	}

	return nil, fmt.Errorf("%w: table %s: %s", ErrRangeScanExhausted, table, lastErr)
}

func isTableNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such table") || strings.Contains(msg, "does not exist") || strings.Contains(msg, "undefined table")
}
