package relay

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/onnwee/chat-relay/db"
)

// Mock-backed tests pin down the transaction shape of an append: which
// statements run, and that any failure rolls the whole unit back.

func newMockEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock init failed: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return NewEngine(db.New(sqlDB, db.DialectSQLite), NewHub(0), 0), mock
}

func TestAppendRollsBackOnInsertFailure(t *testing.T) {
	engine, mock := newMockEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT seq FROM replay_cursors").
		WithArgs("client-a", "topic-1").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(3))
	mock.ExpectExec("INSERT INTO replay_cursors").
		WithArgs("client-a", "topic-1", int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO replay_events").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := engine.Append(context.Background(), "client-a", "topic-1", []byte("x"))
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAppendRollsBackOnCommitFailure(t *testing.T) {
	engine, mock := newMockEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT seq FROM replay_cursors").
		WithArgs("client-a", "topic-1").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}))
	mock.ExpectExec("INSERT INTO replay_cursors").
		WithArgs("client-a", "topic-1", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO replay_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("connection lost"))

	_, err := engine.Append(context.Background(), "client-a", "topic-1", []byte("x"))
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestEventsSinceStorageFailure(t *testing.T) {
	engine, mock := newMockEngine(t)

	mock.ExpectQuery("SELECT seq, payload, created_at FROM replay_events").
		WillReturnError(errors.New("timeout"))

	_, err := engine.EventsSince(context.Background(), "client-a", "topic-1", 0, 0)
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}
