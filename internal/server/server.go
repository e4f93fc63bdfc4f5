// Package server exposes the ledger and aggregator over HTTP. This is the
// read/append surface consumed by mesh and dashboard layers; the engine
// itself stays synchronous underneath.
package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aethermesh/trustfabric/internal/aggregator"
	"github.com/aethermesh/trustfabric/internal/ledger"
)

// Server wires the store and aggregator to HTTP handlers.
type Server struct {
	store  ledger.Store
	agg    *aggregator.Aggregator
	logger *zap.Logger
}

// New creates a Server.
func New(store ledger.Store, agg *aggregator.Aggregator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{store: store, agg: agg, logger: logger}
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Server) Router(corsOrigins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(PrometheusMiddleware())

	if len(corsOrigins) > 0 {
		cfg := cors.DefaultConfig()
		cfg.AllowOrigins = corsOrigins
		router.Use(cors.New(cfg))
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/events", s.appendEvent)
		v1.GET("/events", s.listEvents)
		v1.GET("/events/:seq_no", s.getEvent)
		v1.GET("/head", s.getHead)
		v1.GET("/health", s.getHealth)
		v1.GET("/batches", s.listBatches)
		v1.GET("/batches/:batch_id", s.getBatch)
		v1.POST("/batches/flush", s.flushBatch)
	}
	router.GET("/metrics", MetricsHandler())

	return router
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

type appendResponse struct {
	SeqNo uint64            `json:"seq_no"`
	Batch *aggregator.Batch `json:"batch,omitempty"`
}

func (s *Server) appendEvent(c *gin.Context) {
	var event ledger.SignedEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		recordAppendRejection("malformed_body")
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event: " + err.Error()})
		return
	}

	seqNo, err := s.store.AppendSignedEvent(c.Request.Context(), &event)
	if err != nil {
		s.rejectAppend(c, err)
		return
	}
	recordAppend()

	resp := appendResponse{SeqNo: seqNo}
	if s.agg != nil {
		// Drain through the ledger rather than feeding the hash directly:
		// the aggregator tracks the highest drained seq_no, so this stays
		// safe alongside any background drain loop.
		batches, err := s.agg.DrainLedger(c.Request.Context(), s.store, 256)
		if err != nil {
			// The event is durable; the aggregation failure is reported
			// but must not fail the append.
			s.logger.Warn("aggregation failed after append",
				zap.Uint64("seq_no", seqNo), zap.Error(err))
		} else if len(batches) > 0 {
			for range batches {
				recordBatchFlush()
			}
			resp.Batch = &batches[len(batches)-1]
		}
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) rejectAppend(c *gin.Context, err error) {
	var (
		ordering  *ledger.ChainOrderingViolationError
		sequence  *ledger.SequenceViolationError
		dupSeq    *ledger.DuplicateSequenceError
		dupID     *ledger.DuplicateEventIDError
		corrupted *ledger.CorruptionDetectedError
		invalid   *ledger.InvalidEventError
	)
	switch {
	case errors.As(err, &ordering):
		recordAppendRejection("chain_ordering_violation")
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &sequence):
		recordAppendRejection("sequence_violation")
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &dupSeq), errors.As(err, &dupID):
		recordAppendRejection("duplicate")
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &corrupted):
		recordAppendRejection("corrupted")
		setCorruptedGauge(true)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.As(err, &invalid):
		recordAppendRejection("invalid_event")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		recordAppendRejection("internal")
		s.logger.Error("append failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "append failed"})
	}
}

func (s *Server) listEvents(c *gin.Context) {
	start, err := strconv.ParseUint(c.DefaultQuery("start", "1"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	events, err := s.store.IterateEvents(c.Request.Context(), start, limit)
	if err != nil {
		var sequence *ledger.SequenceViolationError
		if errors.As(err, &sequence) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("iterate failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "iterate failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (s *Server) getEvent(c *gin.Context) {
	seqNo, err := strconv.ParseUint(c.Param("seq_no"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid seq_no"})
		return
	}

	event, err := s.store.GetEventBySeqNo(c.Request.Context(), seqNo)
	if err != nil {
		var notFound *ledger.EventNotFoundError
		if errors.As(err, &notFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("get event failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, ledger.StoredEvent{SeqNo: seqNo, Event: event})
}

func (s *Server) getHead(c *gin.Context) {
	head, err := s.store.ChainHead(c.Request.Context())
	if err != nil {
		s.logger.Error("chain head failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "head lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chain_head": head.String()})
}

func (s *Server) getHealth(c *gin.Context) {
	health := s.store.Health()
	setCorruptedGauge(!health.OK())

	status := http.StatusOK
	if !health.OK() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"health":  health,
		"metrics": s.store.Metrics(),
	})
}

func (s *Server) listBatches(c *gin.Context) {
	if s.agg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "aggregation disabled"})
		return
	}
	batches := s.agg.Batches()
	c.JSON(http.StatusOK, gin.H{"batches": batches, "count": len(batches)})
}

func (s *Server) getBatch(c *gin.Context) {
	if s.agg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "aggregation disabled"})
		return
	}
	batchID, err := strconv.ParseUint(c.Param("batch_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch_id"})
		return
	}
	batch, found := s.agg.GetBatch(batchID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (s *Server) flushBatch(c *gin.Context) {
	if s.agg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "aggregation disabled"})
		return
	}
	batch, err := s.agg.AggregateBatch()
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	recordBatchFlush()
	c.JSON(http.StatusCreated, batch)
}
