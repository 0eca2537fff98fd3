package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/g960059/posguard/internal/db"
	"github.com/g960059/posguard/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	return NewStoreAt(t, filepath.Join(t.TempDir(), "posguard-test.db"))
}

// NewStoreAt opens a migrated store at path; two calls with the same path
// behave like two processes sharing the state file.
func NewStoreAt(t *testing.T, path string) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, path)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func SeedOpenEnded(t *testing.T, store *db.Store, ctx context.Context, terminalID string, activatedAt time.Time, eventID int64) model.ContingencyState {
	t.Helper()
	at := activatedAt.UTC()
	st := model.ContingencyState{
		Mode:        model.ModeContingency,
		ActivatedAt: &at,
		WindowKind:  model.WindowOpenEnded,
		EventID:     eventID,
		EventReason: model.EventReason{ClassifierCode: 2, Description: "INACCESIBILIDAD AL SERVICIO WEB"},
	}
	if _, _, err := store.ReplaceContingencyState(ctx, terminalID, st); err != nil {
		t.Fatalf("seed contingency state: %v", err)
	}
	got, err := store.GetContingencyState(ctx, terminalID)
	if err != nil {
		t.Fatalf("reload seeded state: %v", err)
	}
	return got
}

// Clock is a manually advanced time source safe for use from scheduled tasks.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func (c *Clock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
