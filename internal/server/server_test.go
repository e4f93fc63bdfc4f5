package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zeebo/blake3"

	"github.com/aethermesh/trustfabric/internal/aggregator"
	"github.com/aethermesh/trustfabric/internal/hashlink"
	"github.com/aethermesh/trustfabric/internal/ledger"
	"github.com/aethermesh/trustfabric/internal/server"
)

func newTestRouter(t *testing.T) (*gin.Engine, ledger.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := ledger.OpenSQLite(context.Background(), path, "test-node-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	agg := aggregator.New(aggregator.Config{
		TimeInterval:   time.Hour,
		CountThreshold: 2,
	}, nil)

	return server.New(store, agg, nil).Router(nil), store
}

func signedEvent(i int, prev hashlink.Digest) *ledger.SignedEvent {
	return &ledger.SignedEvent{
		EventID:       fmt.Sprintf("event-%d", i),
		Timestamp:     1700000000000 + uint64(i),
		EventHash:     blake3.Sum256([]byte(fmt.Sprintf("content-%d", i))),
		PrevEventHash: prev,
		Signature:     []byte{1, 2, 3},
		PublicKeyID:   "key-1",
	}
}

func postEvent(t *testing.T, router *gin.Engine, event *ledger.SignedEvent) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(event)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAppendEvent_created(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := postEvent(t, router, signedEvent(1, hashlink.GenesisDigest))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		SeqNo uint64 `json:"seq_no"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.SeqNo != 1 {
		t.Errorf("seq_no: got %d, want 1", resp.SeqNo)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
}

func TestAppendEvent_orderingViolationIsConflict(t *testing.T) {
	router, _ := newTestRouter(t)
	postEvent(t, router, signedEvent(1, hashlink.GenesisDigest))

	bad := signedEvent(2, blake3.Sum256([]byte("unrelated")))
	rec := postEvent(t, router, bad)
	if rec.Code != http.StatusConflict {
		t.Errorf("status: got %d, want 409", rec.Code)
	}
}

func TestAppendEvent_flushReturnsBatch(t *testing.T) {
	router, _ := newTestRouter(t)

	first := signedEvent(1, hashlink.GenesisDigest)
	postEvent(t, router, first)

	// count_threshold=2: the second append must carry the flushed batch.
	rec := postEvent(t, router, signedEvent(2, first.EventHash))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Batch *aggregator.Batch `json:"batch"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Batch == nil {
		t.Fatal("expected a flushed batch in the append response")
	}
	if resp.Batch.StartSeqNo != 1 || resp.Batch.EndSeqNo != 2 {
		t.Errorf("batch range: %+v", resp.Batch)
	}
}

func TestGetEventAndHead(t *testing.T) {
	router, _ := newTestRouter(t)
	first := signedEvent(1, hashlink.GenesisDigest)
	postEvent(t, router, first)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events/1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get event status: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events/42", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing event status: got %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/head", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("head status: %d", rec.Code)
	}
	var head struct {
		ChainHead string `json:"chain_head"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &head); err != nil {
		t.Fatal(err)
	}
	if head.ChainHead != first.EventHash.String() {
		t.Errorf("chain head: got %s", head.ChainHead)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status: %d", rec.Code)
	}

	var resp struct {
		Health ledger.Health `json:"health"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Health.OK() {
		t.Errorf("health: %+v", resp.Health)
	}
}

func TestFlushEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	// Nothing buffered: flush is a conflict.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/batches/flush", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("empty flush status: got %d, want 409", rec.Code)
	}

	postEvent(t, router, signedEvent(1, hashlink.GenesisDigest))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/batches/flush", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("flush status: got %d, body %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/batches", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list batches status: %d", rec.Code)
	}
	var list struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Count != 1 {
		t.Errorf("batch count: got %d, want 1", list.Count)
	}
}
