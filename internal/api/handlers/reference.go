package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxparse/internal/refdata"
)

// ReferenceHandler exposes the loaded reference tables for lookup
type ReferenceHandler struct {
	source refdata.Source
	logger *zap.Logger
}

// NewReferenceHandler creates a reference handler
func NewReferenceHandler(source refdata.Source, logger *zap.Logger) *ReferenceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReferenceHandler{source: source, logger: logger}
}

// Routes returns the handler routes
func (h *ReferenceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/version", h.Version)
	r.Get("/generic/{name}", h.Generic)
	r.Get("/icd10/{code}", h.ICD10)
	r.Get("/abbreviations/{token}", h.Abbreviation)
	return r
}

// GenericResponse maps a drug name to its generic
type GenericResponse struct {
	Name    string `json:"name"`
	Generic string `json:"generic"`
	Form    string `json:"form,omitempty"`
	IsBrand bool   `json:"is_brand"`
}

// Generic handles GET /generic/{name}
func (h *ReferenceHandler) Generic(w http.ResponseWriter, r *http.Request) {
	rd := h.source.Current()
	name := chi.URLParam(r, "name")

	if b, ok := rd.Brand(name); ok {
		writeJSON(w, http.StatusOK, GenericResponse{Name: b.Name, Generic: b.Generic, Form: b.Form, IsBrand: true})
		return
	}
	if g, ok := rd.IsGeneric(name); ok {
		writeJSON(w, http.StatusOK, GenericResponse{Name: g, Generic: g})
		return
	}
	jsonError(w, "unknown drug "+name, http.StatusNotFound)
}

// ICD10 handles GET /icd10/{code}
func (h *ReferenceHandler) ICD10(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "code")))
	if !refdata.WellFormedICD10(code) {
		jsonError(w, "malformed ICD-10 code "+code, http.StatusBadRequest)
		return
	}
	entry, ok := h.source.Current().ICD10(code)
	if !ok {
		jsonError(w, "unknown ICD-10 code "+code, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// AbbreviationResponse is an abbreviation expanded for one locale
type AbbreviationResponse struct {
	Token     string `json:"token"`
	Locale    string `json:"locale"`
	Expansion string `json:"expansion"`
}

// Abbreviation handles GET /abbreviations/{token}?locale=af
func (h *ReferenceHandler) Abbreviation(w http.ResponseWriter, r *http.Request) {
	locale := r.URL.Query().Get("locale")
	switch locale {
	case "":
		locale = "en"
	case "en", "af":
	default:
		jsonError(w, "locale must be en or af", http.StatusBadRequest)
		return
	}

	token := chi.URLParam(r, "token")
	a, ok := h.source.Current().Abbreviation(token)
	if !ok {
		jsonError(w, "unknown abbreviation "+token, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, AbbreviationResponse{Token: a.Token, Locale: locale, Expansion: a.Expansion(locale)})
}

// Version handles GET /version
func (h *ReferenceHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.source.Current().Stats())
}
