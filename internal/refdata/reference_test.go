package refdata

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultTables(t *testing.T) {
	rd, err := Default()
	if err != nil {
		t.Fatalf("embedded tables failed to build: %v", err)
	}

	stats := rd.Stats()
	if stats.Version == "" || stats.Brands == 0 || stats.ICD10Codes == 0 || stats.Abbreviations == 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	b, ok := rd.Brand("novorapid")
	if !ok || b.Generic != "Insulin aspart" {
		t.Errorf("Brand(novorapid) = %+v, %v", b, ok)
	}
	if g, ok := rd.IsGeneric("METFORMIN"); !ok || g != "Metformin" {
		t.Errorf("IsGeneric(METFORMIN) = %q, %v", g, ok)
	}
	if a, ok := rd.Abbreviation("BD."); !ok || a.Expansion("af") != "twee keer per dag" || a.Expansion("en") != "twice daily" {
		t.Errorf("Abbreviation(BD.) = %+v, %v", a, ok)
	}
	if c, ok := rd.ICD10("J45.901"); !ok || c.Category != "Diseases of the respiratory system" {
		t.Errorf("ICD10(J45.901) = %+v, %v", c, ok)
	}
	if in, ok := rd.Interaction("aspirin", "warfarin"); !ok || in.Severity != SeverityMajor {
		t.Errorf("Interaction(aspirin, warfarin) = %+v, %v", in, ok)
	}
	if cs := rd.Contraindications("Prednisone"); len(cs) == 0 || cs[0].CodePrefix != "E11" {
		t.Errorf("Contraindications(Prednisone) = %+v", cs)
	}
}

func TestAbbreviationFallsBackToEnglish(t *testing.T) {
	a := Abbreviation{Token: "stat", English: "immediately"}
	if got := a.Expansion("af"); got != "immediately" {
		t.Errorf("Expansion(af) = %q", got)
	}
}

func TestBuildRejectsBadTables(t *testing.T) {
	_, err := Build(Tables{
		Version: "bad",
		Brands: []Brand{
			{Name: "Panado", Generic: "Paracetamol"},
			{Name: "panado", Generic: "Paracetamol"},
			{Name: "Nogeneric"},
		},
		ICD10: []ICD10Entry{
			{Code: "A0.0", Description: "broken"},
			{Code: "I10"},
		},
		Interactions: []Interaction{{DrugA: "A", DrugB: "B", Severity: "severe"}},
	})

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Problems) != 5 {
		t.Errorf("expected 5 problems, got %d: %v", len(verr.Problems), verr.Problems)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode(strings.NewReader("version: x\nbrandz: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoadFile(t *testing.T) {
	// Write a minimal table file
	path := filepath.Join(t.TempDir(), "tables.yaml")
	content := `version: "file-1"
brands:
  - {name: Panado, generic: Paracetamol, form: tablet}
icd10:
  - {code: R51, description: Headache}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	rd, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if rd.Version() != "file-1" {
		t.Errorf("version = %q", rd.Version())
	}
	if c, _ := rd.ICD10("R51"); c.Category != "Symptoms, signs and abnormal findings" {
		t.Errorf("category = %q", c.Category)
	}
}

func TestChapter(t *testing.T) {
	tests := map[string]string{
		"E11.9": "Endocrine, nutritional and metabolic diseases",
		"I10":   "Diseases of the circulatory system",
		"S72.0": "Injury, poisoning and certain other consequences of external causes",
		"Z79.4": "Factors influencing health status and contact with health services",
		"A0":    "",
		"1AB":   "",
	}
	for code, want := range tests {
		if got := Chapter(code); got != want {
			t.Errorf("Chapter(%q) = %q, want %q", code, got, want)
		}
	}
}

func TestWellFormedICD10(t *testing.T) {
	for _, code := range []string{"E11.9", "I10", "J45.901", "Z79.4", "O09.90"} {
		if !WellFormedICD10(code) {
			t.Errorf("%s should be well formed", code)
		}
	}
	for _, code := range []string{"A0.0", "e11.9", "E1", "E11.", "E11.12345"} {
		if WellFormedICD10(code) {
			t.Errorf("%s should be malformed", code)
		}
	}
}

func TestStoreReload(t *testing.T) {
	store, err := NewStore(MustDefault())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	before := store.Current()

	// A failing loader keeps the current snapshot
	failing := func(ctx context.Context) (Tables, error) { return Tables{}, errors.New("db down") }
	if err := store.Reload(context.Background(), failing); err == nil {
		t.Fatal("expected reload error")
	}
	if store.Current() != before {
		t.Error("snapshot changed after failed reload")
	}

	// Invalid tables are rejected as well
	invalid := func(ctx context.Context) (Tables, error) {
		return Tables{ICD10: []ICD10Entry{{Code: "bad"}}}, nil
	}
	if err := store.Reload(context.Background(), invalid); err == nil {
		t.Fatal("expected validation error")
	}

	good := func(ctx context.Context) (Tables, error) {
		return Tables{Version: "v2", Brands: []Brand{{Name: "Panado", Generic: "Paracetamol"}}}, nil
	}
	if err := store.Reload(context.Background(), good); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if store.Current().Version() != "v2" {
		t.Errorf("version = %q, want v2", store.Current().Version())
	}
	if store.LoadedAt().IsZero() {
		t.Error("LoadedAt not set")
	}
}

func TestStoreWatch(t *testing.T) {
	store, err := NewStore(MustDefault())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loaded := make(chan struct{}, 1)
	load := func(ctx context.Context) (Tables, error) {
		select {
		case loaded <- struct{}{}:
		default:
		}
		return Tables{Version: "watched"}, nil
	}

	var reloads atomic.Int32
	store.OnReload(func(err error) {
		if err == nil {
			reloads.Add(1)
		}
	})

	done := make(chan struct{})
	go func() {
		store.Watch(ctx, 5*time.Millisecond, load, nil)
		close(done)
	}()

	select {
	case <-loaded:
	case <-time.After(2 * time.Second):
		t.Fatal("loader never called")
	}

	deadline := time.Now().Add(2 * time.Second)
	for (store.Current().Version() != "watched" || reloads.Load() == 0) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.Current().Version() != "watched" {
		t.Errorf("version = %q, want watched", store.Current().Version())
	}
	if reloads.Load() == 0 {
		t.Error("reload observer never called")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestNewStoreRejectsNil(t *testing.T) {
	if _, err := NewStore(nil); err == nil {
		t.Error("expected error for nil snapshot")
	}
}
