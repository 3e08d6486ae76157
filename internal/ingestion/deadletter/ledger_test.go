package deadletter

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/queue"
)

func newMock(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewLedger(db), mock
}

func TestDeadLetterInserts(t *testing.T) {
	l, mock := newMock(t)
	msg := queue.Message{ID: "changes/0/42", Source: "kafka", Body: []byte(`{"oops"`)}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dead_letters")).
		WithArgs(msg.ID, "kafka", "", msg.Body, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := l.DeadLetter(context.Background(), msg, "", apperrors.ErrMessageMalformed)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterTwiceIsRecordedOnce(t *testing.T) {
	l, mock := newMock(t)
	msg := queue.Message{ID: "m1", Source: "sqs", Body: []byte(`{}`)}
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (message_id) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, l.DeadLetter(context.Background(), msg, "pies", apperrors.ErrUnknownEntityType))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterReportsDatabaseErrors(t *testing.T) {
	l, mock := newMock(t)
	mock.ExpectExec("INSERT").WillReturnError(errors.New("connection reset"))

	err := l.DeadLetter(context.Background(), queue.Message{ID: "m1"}, "recipes", apperrors.ErrMessageMalformed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestEnsureSchema(t *testing.T) {
	l, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS dead_letters")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, l.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList(t *testing.T) {
	l, mock := newMock(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "message_id", "source", "entity_type", "body", "reason", "created_at"}).
		AddRow(int64(2), "m2", "kafka", "recipes", []byte(`{}`), "bad", at).
		AddRow(int64(1), "m1", "sqs", "", []byte(`x`), "worse", at)
	mock.ExpectQuery(regexp.QuoteMeta("FROM dead_letters ORDER BY id DESC LIMIT $1")).
		WithArgs(10).
		WillReturnRows(rows)

	entries, err := l.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "m2", entries[0].MessageID)
	assert.Equal(t, "recipes", entries[0].EntityType)
	assert.Equal(t, at, entries[1].CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
