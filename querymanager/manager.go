// Package querymanager persists QueryRecords and derives history,
// analytics, and optimization reports from them. Persistence runs through
// a bounded channel and a background worker draining to Postgres, adapted
// from the gateway's analytics ingestion pipeline, so a slow write never
// blocks the orchestrator's Save call.
package querymanager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/queryengine/domain"
)

// Sink is the destination for persisted QueryRecords.
type Sink interface {
	WriteRecords(ctx context.Context, records []domain.QueryRecord) error
}

// Config controls batching and backpressure behavior of the persistence pipeline.
type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
}

// DefaultConfig returns sane defaults for a single-tenant-process deployment.
func DefaultConfig() Config {
	return Config{
		BufferSize:    4096,
		BatchSize:     100,
		FlushInterval: 2 * time.Second,
		MaxRetries:    3,
		RetryDelay:    250 * time.Millisecond,
	}
}

// Manager implements the Query Manager: async persistence plus synchronous
// reads (Get, History, Analytics, OptimizationReport) against the same pool.
type Manager struct {
	logger zerolog.Logger
	pool   *pgxpool.Pool
	sink   Sink
	config Config

	recordCh chan domain.QueryRecord
	wg       sync.WaitGroup
	cancel   context.CancelFunc

	written     int64
	dropped     int64
	flushErrors int64
}

// NewManager builds a Manager backed by pool, always writing through a
// PostgresSink; cfg, when given, replaces DefaultConfig's batching settings.
func NewManager(pool *pgxpool.Pool, logger zerolog.Logger, cfg ...Config) *Manager {
	c := DefaultConfig()
	if len(cfg) > 0 {
		c = cfg[0]
	}
	return &Manager{
		logger:   logger.With().Str("component", "querymanager").Logger(),
		pool:     pool,
		sink:     NewPostgresSink(pool),
		config:   c,
		recordCh: make(chan domain.QueryRecord, c.BufferSize),
	}
}

// Start launches the background flush worker.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.worker(ctx)
	m.logger.Info().Int("buffer_size", m.config.BufferSize).Int("batch_size", m.config.BatchSize).Msg("query manager persistence worker started")
}

// Stop drains the buffer and stops the worker.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Save assigns an ID and timestamp if absent, enqueues the record for
// async persistence, and returns the record as saved — the write to
// Postgres itself may still be in flight when Save returns.
func (m *Manager) Save(record domain.QueryRecord) domain.QueryRecord {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	select {
	case m.recordCh <- record:
	default:
		atomic.AddInt64(&m.dropped, 1)
		m.logger.Warn().Str("query_id", record.ID).Msg("query record dropped: persistence buffer full")
	}
	return record
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]domain.QueryRecord, 0, m.config.BatchSize)
	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				m.flush(batch)
			}
			m.drain()
			return
		case rec := <-m.recordCh:
			batch = append(batch, rec)
			if len(batch) >= m.config.BatchSize {
				m.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				m.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (m *Manager) drain() {
	batch := make([]domain.QueryRecord, 0, m.config.BatchSize)
	for {
		select {
		case rec := <-m.recordCh:
			batch = append(batch, rec)
			if len(batch) >= m.config.BatchSize {
				m.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				m.flush(batch)
			}
			return
		}
	}
}

func (m *Manager) flush(batch []domain.QueryRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		err = m.sink.WriteRecords(ctx, batch)
		if err == nil {
			atomic.AddInt64(&m.written, int64(len(batch)))
			return
		}
		m.logger.Warn().Err(err).Int("attempt", attempt+1).Int("batch_size", len(batch)).Msg("query record flush failed")
		if attempt < m.config.MaxRetries {
			time.Sleep(m.config.RetryDelay * time.Duration(1<<uint(attempt)))
		}
	}
	atomic.AddInt64(&m.flushErrors, 1)
	m.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("query record batch dropped after retries")
}

// Stats reports persistence pipeline counters.
type Stats struct {
	Written     int64
	Dropped     int64
	FlushErrors int64
	BufferLen   int
}

func (m *Manager) Stats() Stats {
	return Stats{
		Written:     atomic.LoadInt64(&m.written),
		Dropped:     atomic.LoadInt64(&m.dropped),
		FlushErrors: atomic.LoadInt64(&m.flushErrors),
		BufferLen:   len(m.recordCh),
	}
}

// EnsureSchema creates the queries table if it does not exist.
func (m *Manager) EnsureSchema(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, createQueriesTable)
	if err != nil {
		return fmt.Errorf("ensure queries table: %w", err)
	}
	return nil
}
