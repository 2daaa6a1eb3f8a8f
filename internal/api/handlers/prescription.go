package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxparse/internal/api/middleware"
	"github.com/drfirst/go-rxparse/internal/domain/intake"
	"github.com/drfirst/go-rxparse/internal/fhir/mapper"
	"github.com/drfirst/go-rxparse/internal/observability/metrics"
	"github.com/drfirst/go-rxparse/internal/observability/tracing"
	"github.com/drfirst/go-rxparse/internal/rxparse"
	"github.com/drfirst/go-rxparse/pkg/idempotency"
)

// ParseStore persists parses; *intake.Repository implements it
type ParseStore interface {
	Save(ctx context.Context, rec *intake.Record, correlationID string) (*intake.Record, error)
	Get(ctx context.Context, parseID string) (*intake.Record, error)
	ListByOutcome(ctx context.Context, outcome rxparse.Outcome, limit int) ([]*intake.Record, error)
}

// ParseConfig bounds what one request may ask for
type ParseConfig struct {
	DefaultThreshold  float64
	MaxBatchDocuments int
	BatchWorkers      int
	MaxBodyBytes      int64
}

// DefaultParseConfig returns the API defaults
func DefaultParseConfig() ParseConfig {
	return ParseConfig{
		DefaultThreshold:  rxparse.DefaultConfidenceThreshold,
		MaxBatchDocuments: 100,
		BatchWorkers:      8,
		MaxBodyBytes:      1 << 20,
	}
}

// PrescriptionHandler serves parse endpoints
type PrescriptionHandler struct {
	parser  *rxparse.Parser
	cache   *ResultCache
	store   ParseStore
	config  ParseConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewPrescriptionHandler creates a handler. cache, store and m may be nil;
// without a store results are not persisted and lookups are not routed.
func NewPrescriptionHandler(parser *rxparse.Parser, cache *ResultCache, store ParseStore, cfg ParseConfig, m *metrics.Metrics, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{
		parser:  parser,
		cache:   cache,
		store:   store,
		config:  cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Routes returns the handler routes
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/parse", h.Parse)
	r.Post("/parse/batch", h.ParseBatch)
	if h.store != nil {
		r.Get("/", h.List)
		r.Get("/{parseID}", h.Get)
	}
	return r
}

// ParseRequest is the body of POST /parse
type ParseRequest struct {
	Text                string         `json:"text"`
	Locale              rxparse.Locale `json:"locale"`
	ConfidenceThreshold float64        `json:"confidence_threshold,omitempty"`
	SourceID            string         `json:"source_id,omitempty"`
}

// ParseResponse is the parse result with its identifiers
type ParseResponse struct {
	ParseID        string `json:"parse_id"`
	IdempotencyKey string `json:"idempotency_key"`
	*rxparse.ParsedPrescription
}

// Parse handles POST /parse
func (h *PrescriptionHandler) Parse(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("prescription-handler").Start(r.Context(), "parse_prescription")
	defer span.End()

	var req ParseRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		jsonError(w, "text is required", http.StatusBadRequest)
		return
	}
	if req.Locale == "" {
		req.Locale = rxparse.LocaleEnglish
	}
	if msg := checkOptions(req.Locale, req.ConfidenceThreshold); msg != "" {
		jsonError(w, msg, http.StatusBadRequest)
		return
	}
	threshold := req.ConfidenceThreshold
	if threshold == 0 {
		threshold = h.config.DefaultThreshold
	}

	key := idempotency.GenerateKey(req.SourceID, string(req.Locale), req.Text)
	cacheKey := key + "|" + strconv.FormatFloat(threshold, 'f', -1, 64)
	span.SetAttributes(attribute.String("idempotency_key", key))

	if resp, ok := h.cache.Get(cacheKey); ok {
		if h.metrics != nil {
			h.metrics.CacheHits.Inc()
		}
		w.Header().Set("X-Cache", "HIT")
		h.respond(w, r, http.StatusOK, resp)
		return
	}
	if h.metrics != nil && h.cache != nil {
		h.metrics.CacheMisses.Inc()
	}

	start := time.Now()
	res := h.parser.Parse(req.Text, req.Locale, rxparse.WithConfidenceThreshold(threshold))
	h.metrics.ObserveParse(res, time.Since(start))
	span.SetAttributes(tracing.ParseAttributes(res)...)

	resp := &ParseResponse{ParseID: uuid.NewString(), IdempotencyKey: key, ParsedPrescription: res}
	status := http.StatusCreated

	if h.store != nil {
		rec := intake.NewRecord(req.SourceID, key, res, h.now())
		rec.ParseID = resp.ParseID
		saved, err := h.store.Save(ctx, rec, middleware.GetRequestID(ctx))
		switch {
		case errors.Is(err, intake.ErrAlreadySaved):
			resp.ParseID = saved.ParseID
			status = http.StatusOK
		case err != nil:
			span.RecordError(err)
			h.logger.Error("failed to save parse", zap.String("idempotency_key", key), zap.Error(err))
			jsonError(w, "failed to save parse", http.StatusInternalServerError)
			return
		}
	}

	h.cache.Set(cacheKey, resp)

	h.logger.Info("prescription parsed",
		zap.String("parse_id", resp.ParseID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("outcome", string(res.Outcome)),
		zap.Float64("confidence", res.OverallConfidence),
		zap.Int("medications", len(res.Medications)),
	)
	w.Header().Set("X-Cache", "MISS")
	h.respond(w, r, status, resp)
}

// respond writes resp as JSON or, with ?format=fhir, as a FHIR Bundle
func (h *PrescriptionHandler) respond(w http.ResponseWriter, r *http.Request, status int, resp *ParseResponse) {
	switch r.URL.Query().Get("format") {
	case "", "json":
		writeJSON(w, status, resp)
	case "fhir":
		bundle, err := mapper.ToBundle(resp.ParsedPrescription)
		if err != nil {
			h.logger.Error("fhir mapping failed", zap.String("parse_id", resp.ParseID), zap.Error(err))
			jsonError(w, "failed to build FHIR bundle", http.StatusInternalServerError)
			return
		}
		bundle.ID = resp.ParseID
		w.Header().Set("Content-Type", "application/fhir+json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(bundle)
	default:
		jsonError(w, "format must be json or fhir", http.StatusBadRequest)
	}
}

// BatchRequest is the body of POST /parse/batch
type BatchRequest struct {
	Documents []rxparse.Document `json:"documents"`
}

// BatchResponse holds results in request order
type BatchResponse struct {
	Results []rxparse.BatchResult   `json:"results"`
	Summary map[rxparse.Outcome]int `json:"summary"`
}

// ParseBatch handles POST /parse/batch
func (h *PrescriptionHandler) ParseBatch(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("prescription-handler").Start(r.Context(), "parse_batch")
	defer span.End()

	var req BatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	switch {
	case len(req.Documents) == 0:
		jsonError(w, "documents are required", http.StatusBadRequest)
		return
	case len(req.Documents) > h.config.MaxBatchDocuments:
		jsonError(w, "too many documents, maximum is "+strconv.Itoa(h.config.MaxBatchDocuments), http.StatusBadRequest)
		return
	}
	for i := range req.Documents {
		doc := &req.Documents[i]
		if doc.Locale == "" {
			doc.Locale = rxparse.LocaleEnglish
		}
		if msg := checkOptions(doc.Locale, doc.ConfidenceThreshold); msg != "" {
			jsonError(w, "document "+strconv.Itoa(i)+": "+msg, http.StatusBadRequest)
			return
		}
	}
	span.SetAttributes(attribute.Int("documents", len(req.Documents)))

	start := time.Now()
	results, err := h.parser.ParseBatch(ctx, req.Documents, h.config.BatchWorkers,
		rxparse.WithConfidenceThreshold(h.config.DefaultThreshold))
	if err != nil {
		// Only cancellation stops a batch; the client has gone away
		h.logger.Warn("batch cancelled", zap.Error(err))
		jsonError(w, "request cancelled", http.StatusServiceUnavailable)
		return
	}

	perDoc := time.Since(start) / time.Duration(len(results))
	summary := make(map[rxparse.Outcome]int)
	for _, br := range results {
		h.metrics.ObserveParse(br.Result, perDoc)
		summary[br.Result.Outcome]++
	}

	writeJSON(w, http.StatusOK, BatchResponse{Results: results, Summary: summary})
}

// Get handles GET /{parseID}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(r.Context(), chi.URLParam(r, "parseID"))
	if errors.Is(err, intake.ErrNotFound) {
		jsonError(w, "parse not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to load parse", zap.Error(err))
		jsonError(w, "failed to load parse", http.StatusInternalServerError)
		return
	}
	h.respond(w, r, http.StatusOK, &ParseResponse{
		ParseID:            rec.ParseID,
		IdempotencyKey:     rec.IdempotencyKey,
		ParsedPrescription: rec.Result,
	})
}

// List handles GET /?outcome=manual_review&limit=50, the review queue
func (h *PrescriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	outcome := rxparse.Outcome(r.URL.Query().Get("outcome"))
	if outcome == "" {
		outcome = rxparse.OutcomeManualReview
	}
	switch outcome {
	case rxparse.OutcomeAccepted, rxparse.OutcomeManualReview, rxparse.OutcomeRejected:
	default:
		jsonError(w, "unknown outcome "+string(outcome), http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	recs, err := h.store.ListByOutcome(r.Context(), outcome, limit)
	if err != nil {
		h.logger.Error("failed to list parses", zap.Error(err))
		jsonError(w, "failed to list parses", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []*intake.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome, "parses": recs})
}

func (h *PrescriptionHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// checkOptions rejects what the parser would otherwise replace with a
// default. A zero threshold means the configured default.
func checkOptions(locale rxparse.Locale, threshold float64) string {
	if !locale.Valid() {
		return "unsupported locale " + strconv.Quote(string(locale)) + ", use en or af"
	}
	if threshold < 0 || threshold > 1 {
		return "confidence_threshold must be within (0,1]"
	}
	return ""
}
