package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/phyn-bridge/internal/infrastructure/database"
	"github.com/nerrad567/phyn-bridge/migrations"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := database.Open(database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func TestSQLiteRepository_CreateFillsDefaults(t *testing.T) {
	repo := newTestRepo(t)
	repo.now = func() time.Time { return time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC) }

	e := &Entry{Action: ActionValveOpen, DeviceID: "d1", Source: SourceAPI}
	if err := repo.Create(context.Background(), e); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if e.ID == "" || e.Outcome != OutcomeOK || !e.CreatedAt.Equal(repo.now()) {
		t.Errorf("entry = %+v", e)
	}

	res, err := repo.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 1 || len(res.Entries) != 1 {
		t.Fatalf("List() = %+v", res)
	}
	got := res.Entries[0]
	if got.ID != e.ID || got.DeviceID != "d1" || got.HomeID != "" || got.Details != nil {
		t.Errorf("stored entry = %+v", got)
	}
	if !got.CreatedAt.Equal(e.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, e.CreatedAt)
	}
}

func TestSQLiteRepository_CreateRequiresActionAndSource(t *testing.T) {
	repo := newTestRepo(t)
	for _, e := range []*Entry{{Source: SourceAPI}, {Action: ActionValveOpen}} {
		if err := repo.Create(context.Background(), e); err == nil {
			t.Errorf("Create(%+v) error = nil", e)
		}
	}
}

func TestSQLiteRepository_ListFiltersAndPages(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)

	seed := []Entry{
		{Action: ActionValveOpen, DeviceID: "d1", Source: SourceAPI},
		{Action: ActionValveClose, DeviceID: "d1", Source: SourceAPI, Outcome: OutcomeError, Error: "boom"},
		{Action: ActionPreferenceSet, DeviceID: "d2", Source: SourceAPI, Details: map[string]any{"name": "scheduler_enable"}},
		{Action: ActionValveOpen, DeviceID: "d2", Source: SourceAPI},
	}
	for i := range seed {
		seed[i].CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := repo.Create(ctx, &seed[i]); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	tests := []struct {
		name    string
		filter  Filter
		total   int
		firstID string
	}{
		{"all newest first", Filter{}, 4, seed[3].ID},
		{"by device", Filter{DeviceID: "d1"}, 2, seed[1].ID},
		{"by action", Filter{Action: ActionValveOpen}, 2, seed[3].ID},
		{"by outcome", Filter{Outcome: OutcomeError}, 1, seed[1].ID},
		{"offset", Filter{Limit: 1, Offset: 2}, 4, seed[1].ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if res.Total != tt.total {
				t.Errorf("Total = %d, want %d", res.Total, tt.total)
			}
			if len(res.Entries) == 0 || res.Entries[0].ID != tt.firstID {
				t.Errorf("first entry = %+v, want %s", res.Entries, tt.firstID)
			}
		})
	}

	res, _ := repo.List(ctx, Filter{Outcome: OutcomeError})
	if res.Entries[0].Error != "boom" {
		t.Errorf("Error = %q", res.Entries[0].Error)
	}
	res, _ = repo.List(ctx, Filter{Action: ActionPreferenceSet})
	if res.Entries[0].Details["name"] != "scheduler_enable" {
		t.Errorf("Details = %v", res.Entries[0].Details)
	}
}

func TestSQLiteRepository_LimitClamped(t *testing.T) {
	repo := newTestRepo(t)
	for _, tt := range []struct{ in, want int }{{0, 50}, {-3, 50}, {500, 200}, {10, 10}} {
		res, err := repo.List(context.Background(), Filter{Limit: tt.in, Offset: -1})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if res.Limit != tt.want || res.Offset != 0 {
			t.Errorf("Limit %d -> %d/%d, want %d/0", tt.in, res.Limit, res.Offset, tt.want)
		}
		if res.Entries == nil {
			t.Error("Entries is nil, want empty slice")
		}
	}
}

// failingRepo always fails to write.
type failingRepo struct{ creates int }

func (f *failingRepo) Create(context.Context, *Entry) error {
	f.creates++
	return errors.New("disk full")
}

func (f *failingRepo) List(context.Context, Filter) (*ListResult, error) { return nil, nil }

type warnLogger struct{ warns int }

func (l *warnLogger) Warn(string, ...any) { l.warns++ }

func TestRecorder(t *testing.T) {
	repo := newTestRepo(t)
	rec := NewRecorder(repo, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A cancelled request context still gets its audit record.
	rec.ValveCommand(ctx, "d1", false, SourceAPI, errors.New("remote command failed"))
	rec.ValveCommand(context.Background(), "d1", true, SourceAPI, nil)
	rec.PreferenceSet(context.Background(), "d1", "leak_sensitivity_away_mode", true, SourceAPI, nil)
	rec.Unsupported("h1", "d9", "PX9")

	res, err := repo.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 4 {
		t.Fatalf("Total = %d, want 4", res.Total)
	}

	byAction := map[string]Entry{}
	for _, e := range res.Entries {
		byAction[e.Action] = e
	}
	if e := byAction[ActionValveClose]; e.Outcome != OutcomeError || e.Error != "remote command failed" {
		t.Errorf("close entry = %+v", e)
	}
	if e := byAction[ActionValveOpen]; e.Outcome != OutcomeOK {
		t.Errorf("open entry = %+v", e)
	}
	if e := byAction[ActionPreferenceSet]; e.Details["value"] != true {
		t.Errorf("preference entry = %+v", e)
	}
	if e := byAction[ActionDeviceUnsupported]; e.HomeID != "h1" || e.Details["product_code"] != "PX9" || e.Source != SourceEnumeration {
		t.Errorf("unsupported entry = %+v", e)
	}
}

func TestRecorder_WriteFailureIsLogged(t *testing.T) {
	repo := &failingRepo{}
	logger := &warnLogger{}
	rec := NewRecorder(repo, logger)

	rec.ValveCommand(context.Background(), "d1", true, SourceAPI, nil)
	if repo.creates != 1 || logger.warns != 1 {
		t.Errorf("creates = %d, warns = %d; want 1, 1", repo.creates, logger.warns)
	}
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	r.ValveCommand(context.Background(), "dev-1", true, SourceAPI, nil)
	r.Unsupported("home-1", "dev-2", "PW9")
}
