package session

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestPostgresStoreCreate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	now := time.Now().UTC()
	s := &Session{
		ID:             "ses-1",
		DeviceID:       "dev-1",
		UserID:         "user-1",
		State:          StateCreated,
		StartedAt:      now,
		LastActivityAt: now,
		TimeoutAt:      now.Add(time.Minute),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO remote_sessions")).
		WithArgs("ses-1", "dev-1", "user-1", "created", "", now, now, now.Add(time.Minute), (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewPostgresStore(mock)
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreGet(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	now := time.Now().UTC()
	stopped := now.Add(time.Minute)
	cols := []string{
		"id", "device_id", "user_id", "state", "stop_reason",
		"started_at", "last_activity_at", "timeout_at", "stopped_at",
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, device_id, user_id, state, stop_reason")).
		WithArgs("ses-1").
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"ses-1", "dev-1", "user-1", "closed", "timeout",
			now, now, now.Add(time.Minute), &stopped,
		))

	store := NewPostgresStore(mock)
	got, err := store.Get(context.Background(), "ses-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != StateClosed || got.StopReason != ReasonTimeout {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.StoppedAt == nil || !got.StoppedAt.Equal(stopped) {
		t.Fatalf("StoppedAt = %v, want %v", got.StoppedAt, stopped)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreGetNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, device_id, user_id, state, stop_reason")).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	store := NewPostgresStore(mock)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreUpdateMissingRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	now := time.Now().UTC()
	s := &Session{
		ID:             "ses-1",
		State:          StateStreaming,
		LastActivityAt: now,
		TimeoutAt:      now.Add(time.Minute),
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE remote_sessions")).
		WithArgs("ses-1", "streaming", "", now, now.Add(time.Minute), (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := NewPostgresStore(mock)
	if err := store.Update(context.Background(), s); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update() error = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreListExpired(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM remote_sessions WHERE state <> $1 AND timeout_at < $2")).
		WithArgs("closed", now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("ses-1").AddRow("ses-2"))

	store := NewPostgresStore(mock)
	ids, err := store.ListExpired(context.Background(), now)
	if err != nil {
		t.Fatalf("ListExpired() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "ses-1" || ids[1] != "ses-2" {
		t.Fatalf("ListExpired() = %v, want [ses-1 ses-2]", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
