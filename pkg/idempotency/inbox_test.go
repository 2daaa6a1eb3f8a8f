package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// memDB is an in-memory parse_inbox that understands the inbox's statements
type memDB struct {
	mu   sync.Mutex
	rows map[string]*Entry
	now  time.Time
}

func newMemDB(now time.Time) *memDB {
	return &memDB{rows: make(map[string]*Entry), now: now}
}

type memRow struct {
	vals []any
	err  error
}

func (r memRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r.vals[i]))
	}
	return nil
}

func (m *memDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, _ := args[0].(string)
	switch {
	case strings.Contains(sql, "SELECT idempotency_key"):
		e, ok := m.rows[key]
		if !ok {
			return memRow{err: pgx.ErrNoRows}
		}
		return memRow{vals: []any{e.IdempotencyKey, e.HandlerName, e.SourceID, e.Status, e.Result,
			e.LastError, e.CreatedAt, e.UpdatedAt, e.ExpiresAt}}
	case strings.Contains(sql, "INSERT INTO parse_inbox"):
		if e, ok := m.rows[key]; ok {
			if e.Status != StatusRecoverable {
				return memRow{err: pgx.ErrNoRows}
			}
			e.Status = StatusStarted
			e.UpdatedAt = m.now
			return memRow{vals: []any{key}}
		}
		expires := args[4].(time.Time)
		m.rows[key] = &Entry{
			IdempotencyKey: key,
			HandlerName:    args[1].(string),
			SourceID:       args[2].(string),
			Status:         StatusStarted,
			CreatedAt:      m.now,
			UpdatedAt:      m.now,
			ExpiresAt:      &expires,
		}
		return memRow{vals: []any{key}}
	}
	return memRow{err: errors.New("unexpected query")}
}

func (m *memDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !strings.Contains(sql, "SET status = $1, result = COALESCE") {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	e, ok := m.rows[args[3].(string)]
	if !ok {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	e.Status = args[0].(Status)
	if r, _ := args[1].(json.RawMessage); r != nil {
		e.Result = r
	}
	e.LastError, _ = args[2].(*string)
	e.UpdatedAt = m.now
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func TestGenerateKey(t *testing.T) {
	key := GenerateKey("scan-1", "en", "Metformin 500mg bd")
	if len(key) != 64 {
		t.Fatalf("expected hex sha256, got %q", key)
	}
	if key != GenerateKey(" scan-1 ", "EN", "Metformin 500mg bd\n") {
		t.Error("key should ignore surrounding whitespace and locale case")
	}
	if key == GenerateKey("scan-1", "af", "Metformin 500mg bd") {
		t.Error("locale must change the key")
	}
	if key == GenerateKey("scan-2", "en", "Metformin 500mg bd") {
		t.Error("source id must change the key")
	}
}

func TestTerminal(t *testing.T) {
	err := Terminal(errors.New("payload is not JSON"))
	if !IsTerminal(err) {
		t.Errorf("IsTerminal(%v) = false", err)
	}
	if IsTerminal(errors.New("invalid but transient")) {
		t.Error("plain errors are never terminal")
	}
	if Terminal(nil) != nil {
		t.Error("Terminal(nil) should be nil")
	}
}

func TestProcessRunsOnce(t *testing.T) {
	db := newMemDB(time.Now())
	inbox := New(db, DefaultConfig(), nil)
	msg := Message{Key: GenerateKey("scan-1", "en", "text"), Handler: "parse", SourceID: "scan-1"}

	calls := 0
	fn := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"outcome":"accepted"}`), nil
	}

	first, err := inbox.Process(context.Background(), msg, fn)
	if err != nil {
		t.Fatalf("first Process failed: %v", err)
	}
	if !first.IsNew || first.Duplicate {
		t.Errorf("first result = %+v", first)
	}

	second, err := inbox.Process(context.Background(), msg, fn)
	if err != nil {
		t.Fatalf("second Process failed: %v", err)
	}
	if !second.Duplicate || string(second.Result) != `{"outcome":"accepted"}` {
		t.Errorf("second result = %+v", second)
	}
	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
}

func TestProcessRetriesRecoverableFailure(t *testing.T) {
	db := newMemDB(time.Now())
	inbox := New(db, DefaultConfig(), nil)
	msg := Message{Key: "k", Handler: "parse", SourceID: "scan-2"}

	boom := errors.New("broker unavailable")
	if _, err := inbox.Process(context.Background(), msg, func(ctx context.Context) (json.RawMessage, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("error = %v", err)
	}
	if db.rows["k"].Status != StatusRecoverable || db.rows["k"].LastError == nil {
		t.Fatalf("entry = %+v", db.rows["k"])
	}

	res, err := inbox.Process(context.Background(), msg, func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !res.WasRecovered || res.IsNew {
		t.Errorf("result = %+v", res)
	}
	if db.rows["k"].Status != StatusFinished {
		t.Errorf("status = %s", db.rows["k"].Status)
	}
}

func TestProcessTerminalFailureIsRemembered(t *testing.T) {
	db := newMemDB(time.Now())
	inbox := New(db, DefaultConfig(), nil)
	msg := Message{Key: "bad", Handler: "parse"}

	_, err := inbox.Process(context.Background(), msg, func(ctx context.Context) (json.RawMessage, error) {
		return nil, Terminal(errors.New("undecodable payload"))
	})
	if !IsTerminal(err) {
		t.Fatalf("error = %v", err)
	}

	called := false
	_, err = inbox.Process(context.Background(), msg, func(ctx context.Context) (json.RawMessage, error) {
		called = true
		return nil, nil
	})
	if !errors.Is(err, ErrPreviouslyFailed) {
		t.Errorf("error = %v, want ErrPreviouslyFailed", err)
	}
	if called {
		t.Error("handler ran for a terminally failed key")
	}
}

func TestProcessInProgressAndStale(t *testing.T) {
	start := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	db := newMemDB(start)
	db.rows["busy"] = &Entry{IdempotencyKey: "busy", Status: StatusStarted, UpdatedAt: start}

	inbox := New(db, Config{RecoveryTimeout: time.Minute}, nil)
	inbox.now = func() time.Time { return start.Add(30 * time.Second) }

	noop := func(ctx context.Context) (json.RawMessage, error) { return json.RawMessage(`{}`), nil }
	if _, err := inbox.Process(context.Background(), Message{Key: "busy"}, noop); !errors.Is(err, ErrMessageInProgress) {
		t.Errorf("error = %v, want ErrMessageInProgress", err)
	}

	// Past the recovery timeout the entry is taken over
	inbox.now = func() time.Time { return start.Add(2 * time.Minute) }
	res, err := inbox.Process(context.Background(), Message{Key: "busy"}, noop)
	if err != nil {
		t.Fatalf("stale takeover failed: %v", err)
	}
	if !res.WasRecovered {
		t.Errorf("result = %+v", res)
	}
}
