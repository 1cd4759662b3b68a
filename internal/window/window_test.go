package window

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"matchflow/internal/domain"
	"matchflow/internal/store"
	"matchflow/internal/store/storetest"
)

var kickoff = time.Date(2026, 8, 15, 15, 0, 0, 0, time.UTC)

func seed(t *testing.T, st *store.Store, events ...domain.Event) {
	t.Helper()
	for _, e := range events {
		if _, err := st.UpsertEvent(context.Background(), e); err != nil {
			t.Fatalf("seed event: %v", err)
		}
	}
}

func TestDetect_Active(t *testing.T) {
	st := storetest.New(t)
	end := kickoff.Add(105 * time.Minute)
	seed(t, st,
		domain.Event{ID: "m1", Name: "ARS-CHE", StartsAt: kickoff, EndsAt: &end},
		domain.Event{ID: "m2", Name: "LIV-MCI", StartsAt: kickoff.Add(30 * time.Minute)},
	)
	d := NewStoreDetector(st, Options{})

	w, err := d.Detect(context.Background(), kickoff.Add(45*time.Minute))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if w.Kind != domain.WindowActive || !w.Active {
		t.Fatalf("got kind %s, want active", w.Kind)
	}
	if w.ActiveCount != 2 {
		t.Errorf("ActiveCount = %d, want 2", w.ActiveCount)
	}
	if w.Start == nil || !w.Start.Equal(kickoff) {
		t.Errorf("window start = %v, want %v", w.Start, kickoff)
	}
	wantEnd := kickoff.Add(30*time.Minute + DefaultEventDuration)
	if w.End == nil || !w.End.Equal(wantEnd) {
		t.Errorf("window end = %v, want %v", w.End, wantEnd)
	}
}

func TestDetect_NearAndIdle(t *testing.T) {
	st := storetest.New(t)
	seed(t, st, domain.Event{ID: "m1", Name: "ARS-CHE", StartsAt: kickoff})
	d := NewStoreDetector(st, Options{Lookahead: time.Hour})

	w, err := d.Detect(context.Background(), kickoff.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if w.Kind != domain.WindowNear {
		t.Errorf("30m before kickoff: got %s, want near", w.Kind)
	}
	if w.NextStart == nil || !w.NextStart.Equal(kickoff) {
		t.Errorf("NextStart = %v, want %v", w.NextStart, kickoff)
	}

	w, err = d.Detect(context.Background(), kickoff.Add(-3*time.Hour))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if w.Kind != domain.WindowIdle {
		t.Errorf("3h before kickoff: got %s, want idle", w.Kind)
	}
}

func TestDetect_IgnoresCancelledAndFinished(t *testing.T) {
	st := storetest.New(t)
	seed(t, st,
		domain.Event{ID: "m1", Name: "postponed", StartsAt: kickoff, Status: store.EventCancelled},
		domain.Event{ID: "m2", Name: "early finish", StartsAt: kickoff, Status: store.EventFinished},
	)
	d := NewStoreDetector(st, Options{})

	w, err := d.Detect(context.Background(), kickoff.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if w.Active {
		t.Error("cancelled/finished events must not open a window")
	}
}

func TestAuditor_Snapshot(t *testing.T) {
	st := storetest.New(t)
	a := NewAuditor(Static{Active: true}, st, zerolog.Nop())
	a.Snapshot(context.Background())

	var n int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM window_states WHERE kind = 'active'`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("got %d audit rows, want 1", n)
	}
}

func TestAuditor_StartRejectsBadSpec(t *testing.T) {
	a := NewAuditor(Static{}, nil, zerolog.Nop())
	if err := a.Start(context.Background(), "every now and then"); err == nil {
		t.Error("expected error for invalid cron spec")
	}
}
