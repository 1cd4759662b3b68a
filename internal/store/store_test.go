package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"matchflow/internal/domain"
)

func newMockStore(t *testing.T, dialect Dialect) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return &Store{db: db, dialect: dialect}, mock
}

func TestRebindPostgres(t *testing.T) {
	s := &Store{dialect: Postgres}
	got := s.q(`UPDATE t SET a=?, b=? WHERE id=?`)
	want := `UPDATE t SET a=$1, b=$2 WHERE id=$3`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	s = &Store{dialect: SQLite}
	if got := s.q(`SELECT ?`); got != `SELECT ?` {
		t.Errorf("sqlite query rewritten: %q", got)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestAcquireLock_Granted(t *testing.T) {
	s, mock := newMockStore(t, Postgres)
	defer s.db.Close()

	now := time.UnixMilli(1_700_000_000_000)
	exp := now.Add(30 * time.Second)

	mock.ExpectExec(`INSERT INTO schedule_locks .* ON CONFLICT \(schedule_id\) DO UPDATE .* WHERE schedule_locks.expires_at <= \$5`).
		WithArgs("sch_1", "holder-a", ms(now), ms(exp), ms(now)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.AcquireLock(context.Background(), "sch_1", "holder-a", now, exp)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if !ok {
		t.Error("expected lock to be granted")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestAcquireLock_Held(t *testing.T) {
	s, mock := newMockStore(t, SQLite)
	defer s.db.Close()

	mock.ExpectExec(`INSERT INTO schedule_locks`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	now := time.Now()
	ok, err := s.AcquireLock(context.Background(), "sch_1", "holder-b", now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if ok {
		t.Error("expected lock to be refused")
	}
}

func TestAcquireLock_DatabaseError(t *testing.T) {
	s, mock := newMockStore(t, SQLite)
	defer s.db.Close()

	mock.ExpectExec(`INSERT INTO schedule_locks`).WillReturnError(sql.ErrConnDone)

	now := time.Now()
	if _, err := s.AcquireLock(context.Background(), "sch_1", "holder-a", now, now.Add(time.Minute)); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestAppendState_Conflict(t *testing.T) {
	s, mock := newMockStore(t, SQLite)
	defer s.db.Close()

	mock.ExpectExec(`INSERT INTO schedule_states .* ON CONFLICT \(schedule_id, seq\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.AppendState(context.Background(), domain.StateEntry{
		ScheduleID: "sch_1", Seq: 3, State: domain.StatePending, TransitionTime: time.Now(),
	})
	if err != nil {
		t.Fatalf("AppendState failed: %v", err)
	}
	if ok {
		t.Error("expected conflicting append to be rejected")
	}
}

func TestUpsertMetric_FailureCarriesPattern(t *testing.T) {
	s, mock := newMockStore(t, SQLite)
	defer s.db.Close()

	at := time.UnixMilli(1_700_000_000_000)
	mock.ExpectExec(`INSERT INTO api_health_metrics .* ON CONFLICT \(endpoint\) DO UPDATE`).
		WithArgs("fetch-fixtures", int64(0), int64(1), 250.0, sql.NullInt64{},
			sql.NullInt64{Int64: ms(at), Valid: true}, sql.NullString{String: `{"error":"boom"}`, Valid: true}, ms(at)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertMetric(context.Background(), Attempt{
		Endpoint:     "fetch-fixtures",
		Duration:     250 * time.Millisecond,
		At:           at,
		ErrorPattern: []byte(`{"error":"boom"}`),
	})
	if err != nil {
		t.Fatalf("UpsertMetric failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetSchedule_NotFound(t *testing.T) {
	s, mock := newMockStore(t, SQLite)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT .* FROM schedules WHERE id=\?`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetSchedule(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDueSchedules_UndecodableRowIsFlagged(t *testing.T) {
	s, mock := newMockStore(t, SQLite)
	defer s.db.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cols := []string{"id", "function_name", "enabled", "schedule_type", "time_config", "execution_config",
		"priority", "last_execution_at", "next_execution_at", "consecutive_failures", "created_at", "updated_at"}
	mock.ExpectQuery(`SELECT .* FROM schedules\s+WHERE enabled = \?`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("sch_bad", "sync-fixtures", true, "daily", []byte(`{"hour":"7"}`), []byte(`{}`),
				5, nil, nil, 0, now.UnixMilli(), now.UnixMilli()).
			AddRow("sch_good", "sync-odds", true, "fixed_interval", []byte(`{"intervalMinutes":5}`), []byte(`{"retry_count":2}`),
				1, nil, nil, 0, now.UnixMilli(), now.UnixMilli()))

	got, err := s.DueSchedules(context.Background(), now)
	if err != nil {
		t.Fatalf("DueSchedules failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d schedules, want 2", len(got))
	}
	if got[0].DecodeErr == nil {
		t.Error("malformed time_config not flagged")
	}
	if got[1].DecodeErr != nil || got[1].TimeConfig.IntervalMinutes != 5 || got[1].ExecutionConfig.RetryCount != 2 {
		t.Errorf("healthy row decoded as %+v", got[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
