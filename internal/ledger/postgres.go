package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aethermesh/trustfabric/internal/hashlink"
)

// advisoryLockKey serializes concurrent appends across all processes sharing
// the database. The value is arbitrary but must be consistent fabric-wide.
const advisoryLockKey = int64(7_421_338_901)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ledger_events (
    seq_no          BIGINT PRIMARY KEY,
    event_id        TEXT   NOT NULL UNIQUE,
    timestamp       BIGINT NOT NULL,
    event_hash      BYTEA  NOT NULL,
    prev_event_hash BYTEA  NOT NULL,
    signature       BYTEA  NOT NULL,
    public_key_id   TEXT   NOT NULL,
    event_type      TEXT,
    payload_ref     TEXT,
    created_at      BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_events_timestamp ON ledger_events(timestamp);
`

// PostgresStore persists the ledger to PostgreSQL. It implements Store with
// the same semantics as SQLiteStore; appends are serialized with a
// transaction-scoped advisory lock so multiple processes can share one chain.
type PostgresStore struct {
	pool   *pgxpool.Pool
	nodeID string
	logger *zap.Logger

	mu     sync.RWMutex // guards health
	health Health

	metrics storeMetrics
}

// InitPostgresSchema creates the ledger_events table if it does not exist.
func InitPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	return nil
}

// NewPostgres wraps an existing connection pool. Like OpenSQLite it runs the
// full continuity scan before returning; a corrupted ledger still opens but
// fails closed on append.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, nodeID string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PostgresStore{
		pool:   pool,
		nodeID: nodeID,
		logger: logger,
		health: Health{Status: HealthOK, NodeID: nodeID},
	}
	if err := InitPostgresSchema(ctx, pool); err != nil {
		return nil, err
	}
	if _, err := s.RunContinuityCheck(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// AppendSignedEvent implements Store.
func (s *PostgresStore) AppendSignedEvent(ctx context.Context, event *SignedEvent) (uint64, error) {
	if err := event.Validate(); err != nil {
		return 0, err
	}
	if !s.Health().OK() {
		return 0, &CorruptionDetectedError{Detail: "cannot append to corrupted ledger"}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The lock is released automatically at commit or rollback.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return 0, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var headSeq uint64
	headHash := hashlink.GenesisDigest
	var headHashRaw []byte
	err = tx.QueryRow(ctx,
		"SELECT seq_no, event_hash FROM ledger_events ORDER BY seq_no DESC LIMIT 1",
	).Scan(&headSeq, &headHashRaw)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("read chain head: %w", err)
	}
	if err == nil {
		headHash = hashlink.DigestFromBytes(headHashRaw)
	}

	var count uint64
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_events").Scan(&count); err != nil {
		return 0, fmt.Errorf("count ledger rows: %w", err)
	}
	if count != headSeq {
		return 0, &SequenceViolationError{Expected: headSeq, Actual: count}
	}

	if event.PrevEventHash != headHash {
		return 0, &ChainOrderingViolationError{
			Expected: headHash.String(),
			Actual:   event.PrevEventHash.String(),
		}
	}

	seqNo := headSeq + 1
	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_events (
			seq_no, event_id, timestamp, event_hash, prev_event_hash,
			signature, public_key_id, event_type, payload_ref, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		seqNo, event.EventID, event.Timestamp,
		event.EventHash[:], event.PrevEventHash[:],
		event.Signature, event.PublicKeyID,
		nullable(event.EventType), nullable(event.PayloadRef),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, mapPostgresUniqueErr(err, seqNo, event.EventID)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit append tx: %w", err)
	}

	s.metrics.eventsAppendedTotal.Add(1)
	s.logger.Debug("event appended",
		zap.String("node_id", s.nodeID),
		zap.Uint64("seq_no", seqNo),
		zap.String("event_id", event.EventID),
	)
	return seqNo, nil
}

// GetEventBySeqNo implements Store.
func (s *PostgresStore) GetEventBySeqNo(ctx context.Context, seqNo uint64) (*SignedEvent, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM ledger_events WHERE seq_no = $1", seqNo)
	stored, err := scanStoredEvent(pgxScanner{row})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &EventNotFoundError{SeqNo: seqNo}
	}
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", seqNo, err)
	}
	return stored.Event, nil
}

// GetLatestEvent implements Store.
func (s *PostgresStore) GetLatestEvent(ctx context.Context) (uint64, *SignedEvent, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM ledger_events ORDER BY seq_no DESC LIMIT 1")
	stored, err := scanStoredEvent(pgxScanner{row})
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("get latest event: %w", err)
	}
	return stored.SeqNo, stored.Event, nil
}

// IterateEvents implements Store.
func (s *PostgresStore) IterateEvents(ctx context.Context, startSeqNo uint64, limit int) ([]StoredEvent, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+eventColumns+` FROM ledger_events
		 WHERE seq_no >= $1 ORDER BY seq_no ASC LIMIT $2`,
		startSeqNo, limit)
	if err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	defer rows.Close()

	events, err := collectPgxEvents(rows)
	if err != nil {
		return nil, err
	}
	if err := checkWindow(events); err != nil {
		return nil, err
	}
	return events, nil
}

// ChainHead implements Store.
func (s *PostgresStore) ChainHead(ctx context.Context) (hashlink.Digest, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		"SELECT event_hash FROM ledger_events ORDER BY seq_no DESC LIMIT 1",
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return hashlink.GenesisDigest, nil
	}
	if err != nil {
		return hashlink.Digest{}, fmt.Errorf("read chain head: %w", err)
	}
	return hashlink.DigestFromBytes(raw), nil
}

// Health implements Store.
func (s *PostgresStore) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

// RunContinuityCheck implements Store.
func (s *PostgresStore) RunContinuityCheck(ctx context.Context) (Health, error) {
	s.metrics.startupChecksTotal.Add(1)

	rows, err := s.pool.Query(ctx,
		"SELECT "+eventColumns+" FROM ledger_events ORDER BY seq_no ASC")
	if err != nil {
		return Health{}, fmt.Errorf("continuity check query: %w", err)
	}
	defer rows.Close()

	events, err := collectPgxEvents(rows)
	if err != nil {
		return Health{}, err
	}

	health := scanChain(events)
	health.NodeID = s.nodeID

	s.mu.Lock()
	s.health = health
	s.mu.Unlock()

	if health.OK() {
		s.logger.Info("ledger continuity check passed",
			zap.String("node_id", s.nodeID),
			zap.Int("event_count", len(events)),
		)
	} else {
		s.metrics.corruptionDetectionsTotal.Add(1)
		s.logger.Error("ledger corruption detected",
			zap.String("node_id", s.nodeID),
			zap.String("error_type", health.ErrorType),
			zap.Uint64("last_good_seq_no", health.LastGoodSeqNo),
			zap.Uint64("first_bad_seq_no", health.FirstBadSeqNo),
		)
	}
	return health, nil
}

// Metrics implements Store.
func (s *PostgresStore) Metrics() MetricsSnapshot {
	return s.metrics.snapshot()
}

// NodeID implements Store.
func (s *PostgresStore) NodeID() string {
	return s.nodeID
}

// Close implements Store. The pool is owned by the caller, so Close only
// detaches from it.
func (s *PostgresStore) Close() error {
	return nil
}

func mapPostgresUniqueErr(err error, seqNo uint64, eventID string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == "ledger_events_event_id_key" {
			return &DuplicateEventIDError{EventID: eventID}
		}
		return &DuplicateSequenceError{SeqNo: seqNo}
	}
	return fmt.Errorf("insert ledger event: %w", err)
}

// pgxScanner adapts pgx rows to the shared scan helper.
type pgxScanner struct {
	row pgx.Row
}

func (p pgxScanner) Scan(dest ...any) error {
	return p.row.Scan(dest...)
}

func collectPgxEvents(rows pgx.Rows) ([]StoredEvent, error) {
	var events []StoredEvent
	for rows.Next() {
		stored, err := scanStoredEvent(pgxScanner{rows})
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		events = append(events, stored)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return events, nil
}
