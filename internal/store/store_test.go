package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/ReelPipe/internal/models"
	"github.com/google/go-cmp/cmp"
)

// storeFactories returns every backend available in this environment.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	factories := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewInMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(t.TempDir(), "state", "reelpipe.db")))
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		factories["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(WithPostgresDSN(dsn))
			if err != nil {
				t.Skipf("Postgres not available: %v", err)
			}
			for _, table := range []string{"user_states", "history", "custom_styles", "inbound_dedup"} {
				s.db.Exec("DELETE FROM " + table)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return factories
}

func TestStateLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)

			got, err := s.GetState(ctx, "+15550001")
			if err != nil {
				t.Fatalf("GetState: %v", err)
			}
			if got != nil {
				t.Fatalf("expected nil state for unknown user, got %+v", got)
			}

			want := models.StyleChoicePayload{Prompt: "a dog surfing at sunset", StyleOptions: []string{"Cinematic", "Anime"}}
			if err := s.SaveState(ctx, models.UserState{UserID: "+15550001", Payload: want}); err != nil {
				t.Fatalf("SaveState: %v", err)
			}
			got, err = s.GetState(ctx, "+15550001")
			if err != nil || got == nil {
				t.Fatalf("GetState after save: %v, %v", got, err)
			}
			if diff := cmp.Diff(models.Payload(want), got.Payload); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}

			processing := models.ProcessingPayload{Prompt: "a dog surfing at sunset", Style: "anime", JobID: "job-1"}
			if err := s.SaveState(ctx, models.UserState{UserID: "+15550001", Payload: processing}); err != nil {
				t.Fatalf("SaveState overwrite: %v", err)
			}
			listed, err := s.ListStates(ctx, models.StateProcessing)
			if err != nil {
				t.Fatalf("ListStates: %v", err)
			}
			if len(listed) != 1 || listed[0].UserID != "+15550001" {
				t.Fatalf("ListStates = %+v, want single processing user", listed)
			}

			if err := s.ClearState(ctx, "+15550001"); err != nil {
				t.Fatalf("ClearState: %v", err)
			}
			got, err = s.GetState(ctx, "+15550001")
			if err != nil {
				t.Fatalf("GetState after clear: %v", err)
			}
			if got == nil || got.Tag() != models.StateNone {
				t.Errorf("expected cleared record with StateNone, got %+v", got)
			}
		})
	}
}

func TestHistoryQueries(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			user := "+15550002"
			recs := []models.HistoryRecord{
				{ID: "01A", UserID: user, Prompt: "a cat in space", Style: "Anime", MediaURL: "https://x/1.mp4", CreatedAt: base},
				{ID: "01B", UserID: user, Prompt: "a cat in space", Style: "cinematic", MediaURL: "https://x/2.mp4", CreatedAt: base.Add(time.Minute)},
				{ID: "01C", UserID: user, Prompt: "a cat in space", Style: "anime", MediaURL: "https://x/3.mp4", CreatedAt: base.Add(2 * time.Minute)},
				{ID: "01D", UserID: "+15550099", Prompt: "a cat in space", Style: "fantasy", MediaURL: "https://x/4.mp4", CreatedAt: base},
			}
			for _, r := range recs {
				if err := s.AppendHistory(ctx, r); err != nil {
					t.Fatalf("AppendHistory: %v", err)
				}
			}

			hit, err := s.FindExact(ctx, user, "a cat in space", "ANIME")
			if err != nil {
				t.Fatalf("FindExact: %v", err)
			}
			if hit == nil || hit.MediaURL != "https://x/3.mp4" {
				t.Errorf("FindExact returned %+v, want newest anime record", hit)
			}

			miss, err := s.FindExact(ctx, user, "a cat in space ", "anime")
			if err != nil || miss != nil {
				t.Errorf("FindExact must match prompts exactly, got %+v, %v", miss, err)
			}

			styles, err := s.FindStyles(ctx, user, "a cat in space")
			if err != nil {
				t.Fatalf("FindStyles: %v", err)
			}
			if diff := cmp.Diff([]string{"anime", "cinematic"}, styles); diff != "" {
				t.Errorf("FindStyles mismatch (-want +got):\n%s", diff)
			}

			recent, err := s.RecentHistory(ctx, user, 2)
			if err != nil {
				t.Fatalf("RecentHistory: %v", err)
			}
			if len(recent) != 2 || recent[0].ID != "01C" || recent[1].ID != "01B" {
				t.Errorf("RecentHistory order wrong: %+v", recent)
			}
		})
	}
}

func TestAppendHistoryValidation(t *testing.T) {
	s := NewInMemoryStore()
	err := s.AppendHistory(context.Background(), models.HistoryRecord{UserID: "u", Prompt: "p", Style: "anime"})
	if !errors.Is(err, models.ErrEmptyMediaURL) {
		t.Errorf("expected ErrEmptyMediaURL, got %v", err)
	}
}

func TestCustomStyles(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			user := "+15550003"
			if err := s.UpsertStyle(ctx, models.CustomStyle{UserID: user, StyleName: "Noir", StylePrompt: "black and white, "}); err != nil {
				t.Fatalf("UpsertStyle: %v", err)
			}
			if err := s.UpsertStyle(ctx, models.CustomStyle{UserID: user, StyleName: "noir", StylePrompt: "film noir, hard shadows, "}); err != nil {
				t.Fatalf("UpsertStyle overwrite: %v", err)
			}
			styles, err := s.ListStyles(ctx, user)
			if err != nil {
				t.Fatalf("ListStyles: %v", err)
			}
			if len(styles) != 1 || styles[0].StyleName != "noir" || styles[0].StylePrompt != "film noir, hard shadows, " {
				t.Fatalf("ListStyles = %+v, want one overwritten noir style", styles)
			}

			deleted, err := s.DeleteStyle(ctx, user, "NOIR")
			if err != nil || !deleted {
				t.Fatalf("DeleteStyle = %v, %v; want true", deleted, err)
			}
			deleted, err = s.DeleteStyle(ctx, user, "noir")
			if err != nil || deleted {
				t.Errorf("second DeleteStyle = %v, %v; want false", deleted, err)
			}
		})
	}
}

func TestDedup(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			first, err := s.RecordInbound("SM123", "+15550004")
			if err != nil || !first {
				t.Fatalf("first RecordInbound = %v, %v", first, err)
			}
			again, err := s.RecordInbound("SM123", "+15550004")
			if err != nil || again {
				t.Errorf("redelivery RecordInbound = %v, %v; want false", again, err)
			}
			if err := s.MarkProcessed("SM123"); err != nil {
				t.Errorf("MarkProcessed: %v", err)
			}
			if err := s.ForgetInbound("SM123"); err != nil {
				t.Fatalf("ForgetInbound: %v", err)
			}
			again, err = s.RecordInbound("SM123", "+15550004")
			if err != nil || !again {
				t.Errorf("RecordInbound after ForgetInbound = %v, %v; want true", again, err)
			}
		})
	}
}

func TestInMemoryStoreClosed(t *testing.T) {
	s := NewInMemoryStore()
	s.Close()
	if _, err := s.GetState(context.Background(), "u"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
	if err := s.SaveState(context.Background(), models.UserState{UserID: "u"}); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
}

func TestSQLiteCorruptPayloadDegradesToIdle(t *testing.T) {
	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(t.TempDir(), "reelpipe.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	if _, err := s.db.Exec(`INSERT INTO user_states (user_id, state, state_data, updated_at) VALUES (?, ?, ?, ?)`,
		"+15550005", string(models.StateAwaitingStyleChoice), "{not json", time.Now().UTC()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, err := s.GetState(context.Background(), "+15550005")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if got == nil || got.Tag() != models.StateNone {
		t.Errorf("corrupt payload should degrade to StateNone, got %+v", got)
	}
}

// strayPayload carries a tag no store can restore.
type strayPayload struct{}

func (strayPayload) Tag() models.StateTag { return "awaiting_confirmation" }

func TestSaveStateRejectsUnknownTag(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			err := s.SaveState(ctx, models.UserState{UserID: "+15550006", Payload: strayPayload{}})
			if !errors.Is(err, models.ErrUnknownStateTag) {
				t.Fatalf("expected ErrUnknownStateTag, got %v", err)
			}
			got, err := s.GetState(ctx, "+15550006")
			if err != nil {
				t.Fatalf("GetState: %v", err)
			}
			if got != nil {
				t.Errorf("rejected state was stored: %+v", got)
			}
		})
	}
}

func TestSQLiteUnknownTagDegradesToIdle(t *testing.T) {
	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(t.TempDir(), "reelpipe.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	if _, err := s.db.Exec(`INSERT INTO user_states (user_id, state, state_data, updated_at) VALUES (?, ?, ?, ?)`,
		"+15550007", "awaiting_confirmation", `{"prompt":"a cat"}`, time.Now().UTC()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, err := s.GetState(context.Background(), "+15550007")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if got == nil || got.Tag() != models.StateNone {
		t.Errorf("unknown tag should degrade to StateNone, got %+v", got)
	}
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":   "postgres",
		"postgresql://localhost/db":     "postgres",
		"host=localhost user=reel":      "postgres",
		"/var/lib/reelpipe/reelpipe.db": "sqlite3",
		"file:test.db?cache=shared":     "sqlite3",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestNewWithoutDSNUsesMemory(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("expected *InMemoryStore, got %T", s)
	}
}
