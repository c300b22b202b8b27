// Package aggregator provides a durable, idempotent event store that accepts
// each (topic, event id) pair at most once.
// Uniqueness is enforced by the backing database (sqlite or postgres) through a
// unique composite index, so concurrent claims for the same key are serialized
// by the storage engine itself and exactly one of them wins.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrAlreadyExists indicates that the (topic, event id) pair has already been claimed.
	// It is a normal outcome, not a failure
	ErrAlreadyExists = errors.New("event already claimed")

	// ErrStoreUnavailable indicates that the claim or read could not be completed
	// (and for claims, durably committed). Callers may retry
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidEvent indicates a claim without a topic or an event id
	ErrInvalidEvent = errors.New("invalid event: topic and event id are required")

	// ErrSubscriptionClosedByClient is produced by sub.Err if client cancels the subscription using sub.Close()
	ErrSubscriptionClosedByClient = errors.New("subscription closed by client")
)

const (
	sqliteBusyTimeout = 5 * time.Second

	pgUniqueViolation = "23505"
)

// New constructs a new store backed by either sqlite or postgres and
// migrates the processed events table
func New(opts ...Option) (*Store, error) {
	cfg := Cfg{
		Logger: slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.PostgresDSN == "" && cfg.SQLitePath == "" {
		return nil, fmt.Errorf("either postgres dsn or sqlite path must be provided")
	}

	var dial gorm.Dialector

	if cfg.PostgresDSN != "" {
		dial = postgres.Open(cfg.PostgresDSN)
	}

	if cfg.SQLitePath != "" {
		dial = sqlite.Open(sqliteDSN(cfg.SQLitePath))
	}

	db, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open: %w", ErrStoreUnavailable, err)
	}

	store := &Store{
		db:     db,
		logger: cfg.Logger,
	}

	if err := store.init(cfg); err != nil {
		_ = store.Close()

		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	cfg.Logger.Info("store opened", "backend", db.Dialector.Name())

	return store, nil
}

func (s *Store) init(cfg Cfg) error {
	if cfg.SQLitePath != "" {
		if err := limitSQLite(s.db); err != nil {
			return err
		}
	}

	if err := s.db.AutoMigrate(&gormRecord{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	return nil
}

// sqliteDSN appends the connection parameters the driver applies on every
// new connection: commits are fsynced before they are reported and writers
// wait on a locked database instead of failing with SQLITE_BUSY
func sqliteDSN(path string) string {
	params := fmt.Sprintf(
		"_journal_mode=WAL&_synchronous=FULL&_busy_timeout=%d",
		sqliteBusyTimeout.Milliseconds(),
	)

	if strings.Contains(path, "?") {
		return path + "&" + params
	}

	return path + "?" + params
}

// limitSQLite funnels all statements through a single connection so
// concurrent writers queue up in the pool
func limitSQLite(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	sqlDB.SetMaxOpenConns(1)

	return nil
}

// Cfg represents store configuration
type Cfg struct {
	PostgresDSN string
	SQLitePath  string
	Logger      *slog.Logger
}

// Option represents store configuration option
type Option func(Cfg) Cfg

// WithPostgresDB is a store option that can be used to configure
// the store to use postgres as a backing storage (pgx driver)
func WithPostgresDB(dsn string) Option {
	return func(cfg Cfg) Cfg {
		cfg.PostgresDSN = dsn

		return cfg
	}
}

// WithSQLiteDB is a store option that can be used to configure
// the store to use sqlite as a backing storage
func WithSQLiteDB(path string) Option {
	return func(cfg Cfg) Cfg {
		cfg.SQLitePath = path

		return cfg
	}
}

// WithLogger sets the logger used by the store
func WithLogger(l *slog.Logger) Option {
	return func(cfg Cfg) Cfg {
		if l != nil {
			cfg.Logger = l
		}

		return cfg
	}
}

// Store represents a durable dedup store
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Close should be called as a part of cleanup process
// in order to close the underlying sql connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

type gormRecord struct {
	Sequence   uint64 `gorm:"autoIncrement;primaryKey"`
	ID         string `gorm:"unique;not null"`
	Topic      string `gorm:"index:idx_topic_event,unique;not null"`
	EventID    string `gorm:"index:idx_topic_event,unique;not null"`
	Source     string
	Payload    string `gorm:"not null"`
	OccurredAt *time.Time
	ReceivedAt time.Time `gorm:"not null"`
}

// TableName returns gorm table name
func (r *gormRecord) TableName() string { return "processed_events" }

// TryClaim atomically records the claim if its (topic, event id) pair has
// never been seen before and returns the accepted record.
// If the pair already exists ErrAlreadyExists is returned. Any failure to
// durably commit (including ctx cancellation) is reported as ErrStoreUnavailable,
// in which case the claim may be retried
func (s *Store) TryClaim(ctx context.Context, c Claim) (Record, error) {
	if c.Topic == "" || c.EventID == "" {
		return Record{}, ErrInvalidEvent
	}

	if err := ctx.Err(); err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	payload := c.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	rec := gormRecord{
		ID:         id.String(),
		Topic:      c.Topic,
		EventID:    c.EventID,
		Source:     c.Source,
		Payload:    string(payload),
		ReceivedAt: time.Now().UTC(),
	}

	if !c.OccurredAt.IsZero() {
		occurredAt := c.OccurredAt.UTC()
		rec.OccurredAt = &occurredAt
	}

	err = s.db.WithContext(ctx).Create(&rec).Error
	if err != nil {
		if isUniqueViolation(err) {
			return Record{}, ErrAlreadyExists
		}

		return Record{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	return rec.toRecord(), nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}

	return false
}

// ReadConfig (configure using ReadOpt)
type ReadConfig struct {
	offset    uint64
	batchSize int
}

// ReadOpt represents a topic read option
type ReadOpt func(ReadConfig) ReadConfig

// WithOffset is a subscription / list option that indicates a sequence in
// the store after which to start reading records (exclusive)
func WithOffset(offset uint64) ReadOpt {
	return func(cfg ReadConfig) ReadConfig {
		cfg.offset = offset

		return cfg
	}
}

// WithBatchSize is a subscription / list option that specifies the read
// batch size (limit) when reading records from the store
func WithBatchSize(size int) ReadOpt {
	return func(cfg ReadConfig) ReadConfig {
		cfg.batchSize = size

		return cfg
	}
}

// ListByTopic reads all records accepted for a topic in acceptance order by
// internally creating a subscription and depleting it until io.EOF is encountered.
// An unknown topic yields an empty slice.
// Use SubscribeTopic for topics too large to hold in memory
func (s *Store) ListByTopic(ctx context.Context, topic string, opts ...ReadOpt) ([]Record, error) {
	sub, err := s.SubscribeTopic(ctx, topic, opts...)
	if err != nil {
		return nil, err
	}

	defer sub.Close()

	records := []Record{}

	for {
		select {
		case rec := <-sub.Records:
			records = append(records, rec)

		case err := <-sub.Err:
			if errors.Is(err, io.EOF) {
				// the reader pushes a whole batch before signaling EOF
				for len(sub.Records) > 0 {
					records = append(records, <-sub.Records)
				}

				return records, nil
			}

			return nil, err
		}
	}
}

// SubscribeTopic creates a subscription which streams the records of a topic
// in acceptance order, one batch at a time. The stream is finite: once all
// records present in the store have been delivered Err produces io.EOF.
// Each call re-reads from durable state
func (s *Store) SubscribeTopic(ctx context.Context, topic string, opts ...ReadOpt) (Subscription, error) {
	cfg := ReadConfig{
		offset:    0,
		batchSize: 100,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if len(topic) == 0 {
		return Subscription{}, fmt.Errorf("topic must be provided")
	}

	if cfg.batchSize < 1 {
		return Subscription{}, fmt.Errorf("batch size should be at least 1")
	}

	sub := Subscription{
		Err:     make(chan error, 1),
		Records: make(chan Record, cfg.batchSize),
		close:   make(chan struct{}, 1),
	}

	go s.stream(ctx, sub, topic, cfg)

	return sub, nil
}

func (s *Store) stream(ctx context.Context, sub Subscription, topic string, cfg ReadConfig) {
	for {
		select {
		case <-sub.close:
			sub.Err <- ErrSubscriptionClosedByClient

			return
		case <-ctx.Done():
			sub.Err <- fmt.Errorf("%w: %w", ErrStoreUnavailable, ctx.Err())

			return
		default:
		}

		var recs []gormRecord

		if err := s.db.
			WithContext(ctx).
			Where("topic = ? AND sequence > ?", topic, cfg.offset).
			Order("sequence asc").
			Limit(cfg.batchSize).
			Find(&recs).Error; err != nil {
			s.logger.Error("topic read failed", "topic", topic, "offset", cfg.offset, "error", err)

			sub.Err <- fmt.Errorf("%w: %w", ErrStoreUnavailable, err)

			return
		}

		if len(recs) == 0 {
			sub.Err <- io.EOF

			return
		}

		cfg.offset = recs[len(recs)-1].Sequence

		for _, rec := range recs {
			select {
			case sub.Records <- rec.toRecord():
			case <-sub.close:
				sub.Err <- ErrSubscriptionClosedByClient

				return
			case <-ctx.Done():
				sub.Err <- fmt.Errorf("%w: %w", ErrStoreUnavailable, ctx.Err())

				return
			}
		}
	}
}

// TopicCounts returns the number of accepted records per topic
func (s *Store) TopicCounts(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Topic string
		Count int64
	}

	if err := s.db.
		WithContext(ctx).
		Model(&gormRecord{}).
		Select("topic, COUNT(*) AS count").
		Group("topic").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	counts := make(map[string]int64, len(rows))

	for _, row := range rows {
		counts[row.Topic] = row.Count
	}

	return counts, nil
}

func (r gormRecord) toRecord() Record {
	return Record{
		ID:         r.ID,
		Sequence:   r.Sequence,
		Topic:      r.Topic,
		EventID:    r.EventID,
		Source:     r.Source,
		Payload:    json.RawMessage(r.Payload),
		OccurredAt: r.OccurredAt,
		ReceivedAt: r.ReceivedAt,
	}
}
