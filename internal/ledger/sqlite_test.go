package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/zeebo/blake3"

	"github.com/aethermesh/trustfabric/internal/hashlink"
	"github.com/aethermesh/trustfabric/internal/ledger"
)

var ctx = context.Background()

func openTestStore(t *testing.T) (*ledger.SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := ledger.OpenSQLite(ctx, path, "test-node-1", nil)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, path
}

func testEvent(id string, prev hashlink.Digest, seq uint64) *ledger.SignedEvent {
	content := blake3.Sum256([]byte(fmt.Sprintf("event-%s-%d", id, seq)))
	return &ledger.SignedEvent{
		EventID:       id,
		Timestamp:     1700000000000 + seq*1000,
		EventHash:     content,
		PrevEventHash: prev,
		Signature:     []byte{1, 2, 3, 4},
		PublicKeyID:   "test-key",
		EventType:     "test.event",
	}
}

// appendChain appends n correctly linked events and returns them.
func appendChain(t *testing.T, store ledger.Store, n int) []*ledger.SignedEvent {
	t.Helper()
	prev := hashlink.GenesisDigest
	events := make([]*ledger.SignedEvent, 0, n)
	for i := 1; i <= n; i++ {
		ev := testEvent(fmt.Sprintf("event-%d", i), prev, uint64(i))
		seq, err := store.AppendSignedEvent(ctx, ev)
		if err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
		if seq != uint64(i) {
			t.Fatalf("expected seq_no %d, got %d", i, seq)
		}
		prev = ev.EventHash
		events = append(events, ev)
	}
	return events
}

func TestOpen_emptyLedgerIsHealthy(t *testing.T) {
	store, _ := openTestStore(t)

	if !store.Health().OK() {
		t.Errorf("empty ledger should be healthy, got %s", store.Health())
	}
	head, err := store.ChainHead(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !head.IsZero() {
		t.Errorf("empty ledger head should be the genesis digest, got %s", head)
	}
	if store.NodeID() != "test-node-1" {
		t.Errorf("node id: got %q", store.NodeID())
	}
}

func TestAppend_assignsContiguousSeqNos(t *testing.T) {
	store, _ := openTestStore(t)
	events := appendChain(t, store, 5)

	head, _ := store.ChainHead(ctx)
	if head != events[4].EventHash {
		t.Errorf("chain head should be the last event hash")
	}
	if got := store.Metrics().EventsAppendedTotal; got != 5 {
		t.Errorf("events_appended_total: got %d, want 5", got)
	}
}

func TestAppend_rejectsWrongPrevHash(t *testing.T) {
	store, _ := openTestStore(t)
	appendChain(t, store, 1)

	bad := testEvent("event-bad", blake3.Sum256([]byte("unrelated")), 2)
	_, err := store.AppendSignedEvent(ctx, bad)

	var violation *ledger.ChainOrderingViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected ChainOrderingViolationError, got %v", err)
	}
	if violation.Actual != bad.PrevEventHash.String() {
		t.Errorf("violation.Actual: got %s", violation.Actual)
	}
}

func TestAppend_rejectsDuplicateEventID(t *testing.T) {
	store, _ := openTestStore(t)
	events := appendChain(t, store, 1)

	dup := testEvent("event-1", events[0].EventHash, 2)
	_, err := store.AppendSignedEvent(ctx, dup)

	var dupErr *ledger.DuplicateEventIDError
	if !errors.As(err, &dupErr) {
		t.Fatalf("expected DuplicateEventIDError, got %v", err)
	}
	if dupErr.EventID != "event-1" {
		t.Errorf("duplicate id: got %q", dupErr.EventID)
	}
}

func TestAppend_rejectsMalformedEvent(t *testing.T) {
	store, _ := openTestStore(t)

	ev := testEvent("event-1", hashlink.GenesisDigest, 1)
	ev.EventID = ""
	_, err := store.AppendSignedEvent(ctx, ev)

	var invalid *ledger.InvalidEventError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidEventError, got %v", err)
	}
}

func TestGetEventBySeqNo(t *testing.T) {
	store, _ := openTestStore(t)
	appendChain(t, store, 3)

	ev, err := store.GetEventBySeqNo(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if ev.EventID != "event-2" {
		t.Errorf("got event %q, want event-2", ev.EventID)
	}
	if ev.EventType != "test.event" {
		t.Errorf("event_type not round-tripped: %q", ev.EventType)
	}

	_, err = store.GetEventBySeqNo(ctx, 99)
	var notFound *ledger.EventNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected EventNotFoundError, got %v", err)
	}
}

func TestGetLatestEvent(t *testing.T) {
	store, _ := openTestStore(t)

	seq, ev, err := store.GetLatestEvent(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 0 || ev != nil {
		t.Errorf("empty ledger latest: got (%d, %v)", seq, ev)
	}

	appendChain(t, store, 2)
	seq, ev, err = store.GetLatestEvent(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 2 || ev.EventID != "event-2" {
		t.Errorf("latest: got (%d, %q)", seq, ev.EventID)
	}
}

func TestIterateEvents_windowAndRestart(t *testing.T) {
	store, _ := openTestStore(t)
	appendChain(t, store, 5)

	window, err := store.IterateEvents(ctx, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 3 {
		t.Fatalf("window size: got %d, want 3", len(window))
	}
	for i, want := range []uint64{2, 3, 4} {
		if window[i].SeqNo != want {
			t.Errorf("window[%d].SeqNo: got %d, want %d", i, window[i].SeqNo, want)
		}
	}

	// Restartable: picking up where the previous window ended.
	next, err := store.IterateEvents(ctx, window[2].SeqNo+1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 1 || next[0].SeqNo != 5 {
		t.Errorf("restarted window: got %+v", next)
	}
}

func TestIterateEvents_detectsGap(t *testing.T) {
	store, _ := openTestStore(t)
	appendChain(t, store, 5)

	if err := store.ExecRaw(ctx, "DELETE FROM ledger_events WHERE seq_no = 3"); err != nil {
		t.Fatal(err)
	}

	_, err := store.IterateEvents(ctx, 1, 10)
	var seqErr *ledger.SequenceViolationError
	if !errors.As(err, &seqErr) {
		t.Fatalf("expected SequenceViolationError, got %v", err)
	}
	if seqErr.Expected != 3 || seqErr.Actual != 4 {
		t.Errorf("gap report: expected=%d actual=%d", seqErr.Expected, seqErr.Actual)
	}
}

func TestAppend_detectsGapFromDeletedRow(t *testing.T) {
	store, _ := openTestStore(t)
	events := appendChain(t, store, 5)

	if err := store.ExecRaw(ctx, "DELETE FROM ledger_events WHERE seq_no = 3"); err != nil {
		t.Fatal(err)
	}

	next := testEvent("event-6", events[4].EventHash, 6)
	_, err := store.AppendSignedEvent(ctx, next)
	var seqErr *ledger.SequenceViolationError
	if !errors.As(err, &seqErr) {
		t.Fatalf("expected SequenceViolationError, got %v", err)
	}
}

func TestReopen_corruptedPrevHashFailsClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := ledger.OpenSQLite(ctx, path, "test-node-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	events := appendChain(t, store, 5)

	corrupt := make([]byte, 32)
	for i := range corrupt {
		corrupt[i] = 0xFF
	}
	if err := store.ExecRaw(ctx,
		"UPDATE ledger_events SET prev_event_hash = ? WHERE seq_no = 3", corrupt); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen: the startup scan must flag row 3 but the store still opens.
	reopened, err := ledger.OpenSQLite(ctx, path, "test-node-1", nil)
	if err != nil {
		t.Fatalf("corrupted ledger must still open for forensics: %v", err)
	}
	defer reopened.Close()

	health := reopened.Health()
	if health.OK() {
		t.Fatal("expected corrupted health")
	}
	if health.FirstBadSeqNo != 3 {
		t.Errorf("first_bad_seq_no: got %d, want 3", health.FirstBadSeqNo)
	}
	if health.LastGoodSeqNo != 2 {
		t.Errorf("last_good_seq_no: got %d, want 2", health.LastGoodSeqNo)
	}

	// Forensic reads keep working.
	if _, err := reopened.GetEventBySeqNo(ctx, 1); err != nil {
		t.Errorf("forensic read failed: %v", err)
	}

	// Appends fail closed.
	next := testEvent("event-6", events[4].EventHash, 6)
	_, err = reopened.AppendSignedEvent(ctx, next)
	var corruptErr *ledger.CorruptionDetectedError
	if !errors.As(err, &corruptErr) {
		t.Fatalf("expected CorruptionDetectedError, got %v", err)
	}
	if reopened.Metrics().CorruptionDetectionsTotal == 0 {
		t.Error("corruption_detections_total not bumped")
	}
}

func TestRunContinuityCheck_recomputesHealth(t *testing.T) {
	store, _ := openTestStore(t)
	appendChain(t, store, 3)

	health, err := store.RunContinuityCheck(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !health.OK() {
		t.Errorf("clean ledger reported %s", health)
	}
	// One check at open, one now.
	if got := store.Metrics().StartupChecksTotal; got != 2 {
		t.Errorf("startup_checks_total: got %d, want 2", got)
	}
}

func TestReopen_persistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := ledger.OpenSQLite(ctx, path, "test-node-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	events := appendChain(t, store, 3)
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := ledger.OpenSQLite(ctx, path, "test-node-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if !reopened.Health().OK() {
		t.Fatalf("reopened ledger unhealthy: %s", reopened.Health())
	}
	head, _ := reopened.ChainHead(ctx)
	if head != events[2].EventHash {
		t.Error("chain head lost across restart")
	}

	// The chain keeps extending from the restored head.
	next := testEvent("event-4", events[2].EventHash, 4)
	seq, err := reopened.AppendSignedEvent(ctx, next)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 4 {
		t.Errorf("seq after reopen: got %d, want 4", seq)
	}
}
