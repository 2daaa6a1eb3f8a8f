package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-rxparse/internal/domain/intake"
	"github.com/drfirst/go-rxparse/internal/refdata"
	"github.com/drfirst/go-rxparse/internal/rxparse"
)

const metforminRx = "Metformin 500mg\nTake 2 tablets at 8h00 and 20h00 daily"

type fakeStore struct {
	mu    sync.Mutex
	byKey map[string]*intake.Record
	byID  map[string]*intake.Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{byKey: map[string]*intake.Record{}, byID: map[string]*intake.Record{}}
}

func (s *fakeStore) Save(_ context.Context, rec *intake.Record, _ string) (*intake.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byKey[rec.IdempotencyKey]; ok {
		return existing, intake.ErrAlreadySaved
	}
	s.byKey[rec.IdempotencyKey] = rec
	s.byID[rec.ParseID] = rec
	return rec, nil
}

func (s *fakeStore) Get(_ context.Context, parseID string) (*intake.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[parseID]
	if !ok {
		return nil, intake.ErrNotFound
	}
	return rec, nil
}

func (s *fakeStore) ListByOutcome(_ context.Context, outcome rxparse.Outcome, _ int) ([]*intake.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*intake.Record
	for _, rec := range s.byID {
		if rec.Outcome == outcome {
			out = append(out, rec)
		}
	}
	return out, nil
}

func newTestParser(t *testing.T) *rxparse.Parser {
	t.Helper()
	p, err := rxparse.New(refdata.MustDefault())
	if err != nil {
		t.Fatalf("failed to create parser: %v", err)
	}
	return p
}

func newTestServer(t *testing.T, cache *ResultCache, store ParseStore, cfg ParseConfig) *httptest.Server {
	t.Helper()
	h := NewPrescriptionHandler(newTestParser(t), cache, store, cfg, nil, nil)
	r := chi.NewRouter()
	r.Mount("/prescriptions", h.Routes())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", strings.NewReader(string(b)))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type parseBody struct {
	ParseID        string            `json:"parse_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Outcome        rxparse.Outcome   `json:"outcome"`
	Medications    []json.RawMessage `json:"medications"`
	Threshold      float64           `json:"confidence_threshold"`
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestParse(t *testing.T) {
	srv := newTestServer(t, nil, nil, DefaultParseConfig())

	resp := postJSON(t, srv.URL+"/prescriptions/parse", ParseRequest{Text: metforminRx, Locale: rxparse.LocaleEnglish})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if resp.Header.Get("X-Cache") != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", resp.Header.Get("X-Cache"))
	}

	var body parseBody
	decodeBody(t, resp, &body)
	if body.ParseID == "" || body.IdempotencyKey == "" {
		t.Errorf("missing identifiers: %+v", body)
	}
	if len(body.Medications) != 1 {
		t.Errorf("expected 1 medication, got %d", len(body.Medications))
	}
	if body.Threshold != rxparse.DefaultConfidenceThreshold {
		t.Errorf("threshold = %v, want default", body.Threshold)
	}
}

func TestParseValidation(t *testing.T) {
	cfg := DefaultParseConfig()
	cfg.MaxBodyBytes = 256
	srv := newTestServer(t, nil, nil, cfg)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty text", `{"text":"   "}`, http.StatusBadRequest},
		{"not json", `text=Panado`, http.StatusBadRequest},
		{"too large", `{"text":"` + strings.Repeat("a", 512) + `"}`, http.StatusRequestEntityTooLarge},
		{"unsupported locale", `{"text":"Panado 500mg","locale":"fr"}`, http.StatusBadRequest},
		{"threshold above one", `{"text":"Panado 500mg","confidence_threshold":1.5}`, http.StatusBadRequest},
		{"negative threshold", `{"text":"Panado 500mg","confidence_threshold":-0.2}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/prescriptions/parse", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestParseCacheHit(t *testing.T) {
	cache, err := NewResultCache(100, time.Minute)
	if err != nil {
		t.Fatalf("NewResultCache failed: %v", err)
	}
	defer cache.Close()
	srv := newTestServer(t, cache, nil, DefaultParseConfig())

	req := ParseRequest{Text: metforminRx, SourceID: "scan-7"}
	first := postJSON(t, srv.URL+"/prescriptions/parse", req)
	var a parseBody
	decodeBody(t, first, &a)
	cache.Wait()

	second := postJSON(t, srv.URL+"/prescriptions/parse", req)
	if second.StatusCode != http.StatusOK || second.Header.Get("X-Cache") != "HIT" {
		t.Fatalf("second request status = %d cache = %q, want 200 HIT", second.StatusCode, second.Header.Get("X-Cache"))
	}
	var b parseBody
	decodeBody(t, second, &b)
	if a.ParseID != b.ParseID {
		t.Errorf("cached parse id = %s, want %s", b.ParseID, a.ParseID)
	}

	// a different threshold is a different answer
	req.ConfidenceThreshold = 0.95
	third := postJSON(t, srv.URL+"/prescriptions/parse", req)
	if third.Header.Get("X-Cache") != "MISS" {
		t.Errorf("threshold change should miss the cache")
	}
}

func TestParseDuplicateReturnsExisting(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(t, nil, store, DefaultParseConfig())

	req := ParseRequest{Text: metforminRx, SourceID: "scan-9"}
	first := postJSON(t, srv.URL+"/prescriptions/parse", req)
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first status = %d", first.StatusCode)
	}
	var a parseBody
	decodeBody(t, first, &a)

	second := postJSON(t, srv.URL+"/prescriptions/parse", req)
	if second.StatusCode != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", second.StatusCode)
	}
	var b parseBody
	decodeBody(t, second, &b)
	if b.ParseID != a.ParseID {
		t.Errorf("duplicate parse id = %s, want %s", b.ParseID, a.ParseID)
	}

	got, err := http.Get(srv.URL + "/prescriptions/" + a.ParseID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Errorf("get status = %d", got.StatusCode)
	}

	missing, err := http.Get(srv.URL + "/prescriptions/00000000-0000-0000-0000-000000000000")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", missing.StatusCode)
	}
}

func TestListValidatesOutcome(t *testing.T) {
	srv := newTestServer(t, nil, newFakeStore(), DefaultParseConfig())

	resp, err := http.Get(srv.URL + "/prescriptions/?outcome=maybe")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	ok, err := http.Get(srv.URL + "/prescriptions/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer ok.Body.Close()
	var body struct {
		Outcome rxparse.Outcome   `json:"outcome"`
		Parses  []json.RawMessage `json:"parses"`
	}
	decodeBody(t, ok, &body)
	if body.Outcome != rxparse.OutcomeManualReview || body.Parses == nil {
		t.Errorf("default list = %+v", body)
	}
}

func TestLookupRoutesNeedStore(t *testing.T) {
	srv := newTestServer(t, nil, nil, DefaultParseConfig())

	resp, err := http.Get(srv.URL + "/prescriptions/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("list should not be routed without a store")
	}
}

func TestParseFormats(t *testing.T) {
	srv := newTestServer(t, nil, nil, DefaultParseConfig())

	fhirResp := postJSON(t, srv.URL+"/prescriptions/parse?format=fhir", ParseRequest{Text: metforminRx})
	if fhirResp.StatusCode != http.StatusCreated {
		t.Fatalf("fhir status = %d", fhirResp.StatusCode)
	}
	if ct := fhirResp.Header.Get("Content-Type"); ct != "application/fhir+json" {
		t.Errorf("content type = %q", ct)
	}
	var bundle struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	decodeBody(t, fhirResp, &bundle)
	if bundle.ResourceType != "Bundle" || bundle.ID == "" {
		t.Errorf("bundle = %+v", bundle)
	}

	bad := postJSON(t, srv.URL+"/prescriptions/parse?format=xml", ParseRequest{Text: metforminRx})
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown format status = %d, want 400", bad.StatusCode)
	}
}

func TestParseBatch(t *testing.T) {
	cfg := DefaultParseConfig()
	cfg.MaxBatchDocuments = 3
	srv := newTestServer(t, nil, nil, cfg)

	docs := []rxparse.Document{
		{ID: "a", Text: metforminRx},
		{ID: "b", Text: "Lipitor 20mg take 1 tablet at night"},
		{ID: "c", Text: "nothing here"},
	}
	resp := postJSON(t, srv.URL+"/prescriptions/parse/batch", BatchRequest{Documents: docs})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body BatchResponse
	decodeBody(t, resp, &body)
	if len(body.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(body.Results))
	}
	total := 0
	for i, r := range body.Results {
		if r.ID != docs[i].ID {
			t.Errorf("result %d id = %s", i, r.ID)
		}
		if r.Result.Locale != rxparse.LocaleEnglish {
			t.Errorf("result %d locale = %s, want en", i, r.Result.Locale)
		}
	}
	for _, n := range body.Summary {
		total += n
	}
	if total != 3 {
		t.Errorf("summary counts %d documents, want 3", total)
	}

	tests := []struct {
		name string
		docs []rxparse.Document
	}{
		{"empty", nil},
		{"too many", append(docs, rxparse.Document{ID: "d", Text: metforminRx})},
		{"unsupported locale", []rxparse.Document{{ID: "a", Text: metforminRx, Locale: "fr"}}},
		{"bad threshold", []rxparse.Document{{ID: "a", Text: metforminRx, ConfidenceThreshold: 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/prescriptions/parse/batch", BatchRequest{Documents: tt.docs})
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestReferenceLookups(t *testing.T) {
	store, err := refdata.NewStore(refdata.MustDefault())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	r := chi.NewRouter()
	r.Mount("/reference", NewReferenceHandler(store, nil).Routes())
	srv := httptest.NewServer(r)
	defer srv.Close()

	tests := []struct {
		path string
		want int
		has  string
	}{
		{"/reference/generic/glucophage", http.StatusOK, `"generic":"Metformin"`},
		{"/reference/generic/metformin", http.StatusOK, `"is_brand":false`},
		{"/reference/generic/unobtainium", http.StatusNotFound, ""},
		{"/reference/icd10/i10", http.StatusOK, `"code":"I10"`},
		{"/reference/icd10/10I", http.StatusBadRequest, ""},
		{"/reference/icd10/Z99.89", http.StatusNotFound, ""},
		{"/reference/abbreviations/tds?locale=af", http.StatusOK, `"expansion":"drie keer per dag"`},
		{"/reference/abbreviations/bd", http.StatusOK, `"expansion":"twice daily"`},
		{"/reference/abbreviations/bd?locale=fr", http.StatusBadRequest, ""},
		{"/reference/version", http.StatusOK, `"version":"2026.10-za"`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if tt.has == "" {
				return
			}
			var raw json.RawMessage
			decodeBody(t, resp, &raw)
			if !strings.Contains(string(raw), tt.has) {
				t.Errorf("body %s does not contain %s", raw, tt.has)
			}
		})
	}
}

func TestHealthAndReady(t *testing.T) {
	store, err := refdata.NewStore(refdata.MustDefault())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	var dbErr error
	h := NewHealthHandler("parser-api", "test", store, map[string]Check{
		"database": func(context.Context) error { return dbErr },
	})

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "2026.10-za") {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready = %d, want 200", rec.Code)
	}

	dbErr = context.DeadlineExceeded
	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "database") {
		t.Errorf("ready with failing db = %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	NewHealthHandler("parser-api", "test", nil, nil).Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready without reference data = %d, want 503", rec.Code)
	}
}
