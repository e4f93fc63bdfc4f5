package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aethermesh/trustfabric/internal/hashlink"
	"go.uber.org/zap"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_events (
    seq_no          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id        TEXT    NOT NULL UNIQUE,
    timestamp       INTEGER NOT NULL,
    event_hash      BLOB    NOT NULL,
    prev_event_hash BLOB    NOT NULL,
    signature       BLOB    NOT NULL,
    public_key_id   TEXT    NOT NULL,
    event_type      TEXT,
    payload_ref     TEXT,
    created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_events_event_id  ON ledger_events(event_id);
CREATE INDEX IF NOT EXISTS idx_ledger_events_timestamp ON ledger_events(timestamp);
`

const eventColumns = `seq_no, event_id, timestamp, event_hash, prev_event_hash,
       signature, public_key_id, event_type, payload_ref`

// SQLiteStore is the file-backed Store implementation. WAL journal mode with
// synchronous=FULL commits makes every successful append durable before the
// call returns.
type SQLiteStore struct {
	db     *sql.DB
	nodeID string
	logger *zap.Logger

	mu       sync.RWMutex // guards health, headSeq, headHash and serializes appends
	health   Health
	headSeq  uint64
	headHash hashlink.Digest

	metrics storeMetrics
}

// OpenSQLite opens or creates the ledger database at path. On existing data
// it synchronously runs the full continuity scan before returning; a
// corrupted ledger still opens for forensic reads but rejects appends.
func OpenSQLite(ctx context.Context, path, nodeID string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		nodeID: nodeID,
		logger: logger,
		health: Health{Status: HealthOK, NodeID: nodeID},
	}

	logger.Info("opening event ledger",
		zap.String("node_id", nodeID),
		zap.String("path", path),
	)

	if _, err := s.RunContinuityCheck(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	if err := s.refreshHead(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

// AppendSignedEvent implements Store.
func (s *SQLiteStore) AppendSignedEvent(ctx context.Context, event *SignedEvent) (uint64, error) {
	if err := event.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.health.OK() {
		s.logger.Warn("append rejected: ledger is corrupted",
			zap.String("node_id", s.nodeID),
			zap.Uint64("first_bad_seq_no", s.health.FirstBadSeqNo),
		)
		return 0, &CorruptionDetectedError{Detail: "cannot append to corrupted ledger"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Re-read head and row count inside the transaction. A deleted interior
	// row makes count diverge from the head seq_no; catch that before
	// extending a broken chain.
	headSeq, headHash, err := readSQLiteHead(ctx, tx)
	if err != nil {
		return 0, err
	}
	var count uint64
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM ledger_events").Scan(&count); err != nil {
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
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_events (
			seq_no, event_id, timestamp, event_hash, prev_event_hash,
			signature, public_key_id, event_type, payload_ref, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seqNo, event.EventID, event.Timestamp,
		event.EventHash[:], event.PrevEventHash[:],
		event.Signature, event.PublicKeyID,
		nullable(event.EventType), nullable(event.PayloadRef),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, mapSQLiteUniqueErr(err, seqNo, event.EventID)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append tx: %w", err)
	}

	s.headSeq = seqNo
	s.headHash = event.EventHash
	s.metrics.eventsAppendedTotal.Add(1)

	s.logger.Debug("event appended",
		zap.String("node_id", s.nodeID),
		zap.Uint64("seq_no", seqNo),
		zap.String("event_id", event.EventID),
	)
	return seqNo, nil
}

// GetEventBySeqNo implements Store.
func (s *SQLiteStore) GetEventBySeqNo(ctx context.Context, seqNo uint64) (*SignedEvent, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM ledger_events WHERE seq_no = ?", seqNo)
	stored, err := scanStoredEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &EventNotFoundError{SeqNo: seqNo}
	}
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", seqNo, err)
	}
	return stored.Event, nil
}

// GetLatestEvent implements Store.
func (s *SQLiteStore) GetLatestEvent(ctx context.Context) (uint64, *SignedEvent, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM ledger_events ORDER BY seq_no DESC LIMIT 1")
	stored, err := scanStoredEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("get latest event: %w", err)
	}
	return stored.SeqNo, stored.Event, nil
}

// IterateEvents implements Store.
func (s *SQLiteStore) IterateEvents(ctx context.Context, startSeqNo uint64, limit int) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+` FROM ledger_events
		 WHERE seq_no >= ? ORDER BY seq_no ASC LIMIT ?`,
		startSeqNo, limit)
	if err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	defer rows.Close()

	events, err := collectStoredEvents(rows)
	if err != nil {
		return nil, err
	}
	if err := checkWindow(events); err != nil {
		return nil, err
	}
	return events, nil
}

// ChainHead implements Store.
func (s *SQLiteStore) ChainHead(ctx context.Context) (hashlink.Digest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.headHash, nil
}

// Health implements Store.
func (s *SQLiteStore) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

// RunContinuityCheck implements Store. It loads every row in seq order and
// re-derives the expected linkage, then caches the result.
func (s *SQLiteStore) RunContinuityCheck(ctx context.Context) (Health, error) {
	s.metrics.startupChecksTotal.Add(1)

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM ledger_events ORDER BY seq_no ASC")
	if err != nil {
		return Health{}, fmt.Errorf("continuity check query: %w", err)
	}
	defer rows.Close()

	events, err := collectStoredEvents(rows)
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
func (s *SQLiteStore) Metrics() MetricsSnapshot {
	return s.metrics.snapshot()
}

// NodeID implements Store.
func (s *SQLiteStore) NodeID() string {
	return s.nodeID
}

// Close implements Store. The WAL is checkpointed and truncated so the main
// database file is complete on disk after a clean shutdown.
func (s *SQLiteStore) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("wal checkpoint on close failed", zap.Error(err))
	}
	return s.db.Close()
}

// ExecRaw runs arbitrary SQL against the backing database, bypassing every
// integrity check. It exists so tests can simulate on-disk corruption and
// must never be called on an operational path.
func (s *SQLiteStore) ExecRaw(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLiteStore) refreshHead(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin head read: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	seq, hash, err := readSQLiteHead(ctx, tx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.headSeq = seq
	s.headHash = hash
	s.mu.Unlock()
	return nil
}

func readSQLiteHead(ctx context.Context, tx *sql.Tx) (uint64, hashlink.Digest, error) {
	var seq uint64
	var hash []byte
	err := tx.QueryRowContext(ctx,
		"SELECT seq_no, event_hash FROM ledger_events ORDER BY seq_no DESC LIMIT 1",
	).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, hashlink.GenesisDigest, nil
	}
	if err != nil {
		return 0, hashlink.Digest{}, fmt.Errorf("read chain head: %w", err)
	}
	return seq, hashlink.DigestFromBytes(hash), nil
}

func mapSQLiteUniqueErr(err error, seqNo uint64, eventID string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ledger_events.event_id"):
		return &DuplicateEventIDError{EventID: eventID}
	case strings.Contains(msg, "ledger_events.seq_no"):
		return &DuplicateSequenceError{SeqNo: seqNo}
	default:
		return fmt.Errorf("insert ledger event: %w", err)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanStoredEvent(r rowScanner) (StoredEvent, error) {
	var (
		stored              StoredEvent
		event               SignedEvent
		eventHash, prevHash []byte
		eventType, payload  *string
	)
	err := r.Scan(
		&stored.SeqNo, &event.EventID, &event.Timestamp,
		&eventHash, &prevHash,
		&event.Signature, &event.PublicKeyID,
		&eventType, &payload,
	)
	if err != nil {
		return StoredEvent{}, err
	}
	event.EventHash = hashlink.DigestFromBytes(eventHash)
	event.PrevEventHash = hashlink.DigestFromBytes(prevHash)
	if eventType != nil {
		event.EventType = *eventType
	}
	if payload != nil {
		event.PayloadRef = *payload
	}
	stored.Event = &event
	return stored, nil
}

func collectStoredEvents(rows *sql.Rows) ([]StoredEvent, error) {
	var events []StoredEvent
	for rows.Next() {
		stored, err := scanStoredEvent(rows)
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
