package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-rxparse/internal/config"
	"github.com/drfirst/go-rxparse/internal/observability/metrics"
	"github.com/drfirst/go-rxparse/internal/refdata"
)

func TestOpenReferenceEmbedded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New(prometheus.NewRegistry())
	store, err := OpenReference(ctx, &config.Config{RefdataSource: config.RefdataEmbedded}, nil, nil, m, nil)
	if err != nil {
		t.Fatalf("OpenReference failed: %v", err)
	}
	if store.Current().Version() != refdata.MustDefault().Version() {
		t.Errorf("version = %q", store.Current().Version())
	}
	if got := testutil.ToFloat64(m.ReferenceReloads.WithLabelValues("success")); got != 1 {
		t.Errorf("initial load counted %v times, want 1", got)
	}
}

func TestOpenReferenceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.yaml")
	content := `version: "clinic-7"
brands:
  - {name: Panado, generic: Paracetamol, form: tablet}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{RefdataSource: config.RefdataFile, RefdataPath: path}
	store, err := OpenReference(ctx, cfg, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("OpenReference failed: %v", err)
	}
	if store.Current().Version() != "clinic-7" {
		t.Errorf("version = %q, want clinic-7", store.Current().Version())
	}

	cfg.RefdataPath = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := OpenReference(ctx, cfg, nil, nil, nil, nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestReferenceLoaderPostgresNeedsDatabase(t *testing.T) {
	if _, err := ReferenceLoader(&config.Config{RefdataSource: config.RefdataPostgres}, nil, nil); err == nil {
		t.Error("expected error without a database")
	}
	if _, err := ReferenceLoader(&config.Config{RefdataSource: "s3"}, nil, nil); err == nil {
		t.Error("expected error for unknown source")
	}
}
