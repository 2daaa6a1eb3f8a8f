package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/drfirst/go-rxparse/internal/infrastructure/redpanda"
)

func TestEmbeddedMigrations(t *testing.T) {
	m := NewMigrator(nil)
	migrations, err := LoadMigrations(m.fsys)
	if err != nil {
		t.Fatalf("LoadMigrations failed: %v", err)
	}
	if len(migrations) != 4 {
		t.Fatalf("got %d migrations, want 4", len(migrations))
	}
	for i, mig := range migrations {
		if mig.Version != i+1 {
			t.Errorf("migration %d has version %d", i, mig.Version)
		}
	}

	// Statements the Go code relies on must be backed by the schema
	all := ""
	for _, mig := range migrations {
		all += mig.SQL
	}
	for _, table := range []string{"outbox", "parse_inbox", "parsed_prescriptions", "ref_versions", "ref_brands", "ref_icd10"} {
		if !strings.Contains(all, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Errorf("no migration creates %s", table)
		}
	}
}

func TestLoadMigrationsOrderAndSkips(t *testing.T) {
	fsys := fstest.MapFS{
		"010_later.sql":  {Data: []byte("SELECT 10")},
		"002_second.sql": {Data: []byte("SELECT 2")},
		"README.md":      {Data: []byte("docs")},
		"draft.sql":      {Data: []byte("SELECT 0")},
		"x_notnum.sql":   {Data: []byte("SELECT 0")},
	}
	migrations, err := LoadMigrations(fsys)
	if err != nil {
		t.Fatalf("LoadMigrations failed: %v", err)
	}
	if len(migrations) != 2 || migrations[0].Version != 2 || migrations[1].Name != "010_later.sql" {
		t.Errorf("migrations = %+v", migrations)
	}

	fsys["02_dup.sql"] = &fstest.MapFile{Data: []byte("SELECT 2")}
	if _, err := LoadMigrations(fsys); err == nil {
		t.Error("expected duplicate version error")
	}
}

func TestDeadLetterFor(t *testing.T) {
	lastErr := "broker unavailable"
	entry := &OutboxEntry{
		ID:          7,
		AggregateID: "parse-1",
		EventType:   "PrescriptionParsed",
		Payload:     json.RawMessage(`{"parse_id":"parse-1"}`),
		KafkaTopic:  redpanda.TopicPrescriptionsParsed,
		KafkaKey:    "scan-1",
		RetryCount:  5,
		LastError:   &lastErr,
	}
	dl := deadLetterFor(entry, time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))

	if dl.OriginalTopic != redpanda.TopicPrescriptionsParsed || dl.Reason != lastErr || dl.Attempts != 5 {
		t.Errorf("dead letter = %+v", dl)
	}
	if string(dl.Payload) != `{"parse_id":"parse-1"}` {
		t.Errorf("payload = %s", dl.Payload)
	}
}

// fakeRow scans fixed values with reflection
type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		v := reflect.ValueOf(r.vals[i])
		target := reflect.ValueOf(d).Elem()
		if !v.IsValid() {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		target.Set(v)
	}
	return nil
}

type fakeRows struct {
	pgx.Rows
	rows [][]any
	pos  int
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos <= len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error { return fakeRow{vals: r.rows[r.pos-1]}.Scan(dest...) }
func (r *fakeRows) Close()                 {}
func (r *fakeRows) Err() error             { return nil }

type fakeTx struct {
	pgx.Tx
	locked    bool
	pending   []*OutboxEntry
	execs     []string
	committed bool
}

func (tx *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if strings.Contains(sql, "pg_try_advisory_xact_lock") {
		return fakeRow{vals: []any{tx.locked}}
	}
	return fakeRow{err: errors.New("unexpected query")}
}

func (tx *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	rows := &fakeRows{}
	for _, e := range tx.pending {
		rows.rows = append(rows.rows, []any{e.ID, e.AggregateID, e.AggregateType, e.EventType, e.Payload,
			e.KafkaTopic, e.KafkaKey, e.CreatedAt, e.RetryCount, e.LastError})
	}
	return rows, nil
}

func (tx *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "retry_count = retry_count + 1"):
		tx.execs = append(tx.execs, "retry")
	case strings.Contains(sql, "processed_at = NOW()"):
		tx.execs = append(tx.execs, "processed")
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (tx *fakeTx) Commit(ctx context.Context) error {
	tx.committed = true
	return nil
}

func (tx *fakeTx) Rollback(ctx context.Context) error { return nil }

type fakeDB struct {
	DB
	tx *fakeTx
}

func (db *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) { return db.tx, nil }

type recordingPublisher struct {
	failTopic string
	published []string
}

func (p *recordingPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	if topic == p.failTopic {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, topic+"/"+key)
	return nil
}

func TestProcessBatch(t *testing.T) {
	tx := &fakeTx{
		locked: true,
		pending: []*OutboxEntry{
			{ID: 1, AggregateID: "p1", EventType: "PrescriptionParsed", Payload: json.RawMessage(`{}`),
				KafkaTopic: redpanda.TopicPrescriptionsParsed, KafkaKey: "scan-1"},
			{ID: 2, AggregateID: "p2", EventType: "PrescriptionRejected", Payload: json.RawMessage(`{}`),
				KafkaTopic: redpanda.TopicPrescriptionsRejected, KafkaKey: "scan-2"},
		},
	}
	pub := &recordingPublisher{failTopic: redpanda.TopicPrescriptionsRejected}
	o := NewOutbox(&fakeDB{tx: tx}, pub, DefaultOutboxConfig(), nil, nil)

	n, err := o.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if n != 1 {
		t.Errorf("published = %d, want 1", n)
	}
	if len(pub.published) != 1 || pub.published[0] != redpanda.TopicPrescriptionsParsed+"/scan-1" {
		t.Errorf("published = %v", pub.published)
	}
	if strings.Join(tx.execs, ",") != "processed,retry" {
		t.Errorf("updates = %v, want processed then retry", tx.execs)
	}
	if !tx.committed {
		t.Error("batch transaction was not committed")
	}
}

func TestProcessBatchSkipsWithoutLock(t *testing.T) {
	tx := &fakeTx{
		locked:  false,
		pending: []*OutboxEntry{{ID: 1, KafkaTopic: redpanda.TopicPrescriptionsParsed}},
	}
	pub := &recordingPublisher{}
	o := NewOutbox(&fakeDB{tx: tx}, pub, DefaultOutboxConfig(), nil, nil)

	n, err := o.ProcessBatch(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("ProcessBatch = %d, %v", n, err)
	}
	if len(pub.published) != 0 || tx.committed {
		t.Error("a relay without the lock must not publish or commit")
	}
}
