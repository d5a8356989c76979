package postgres

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Robert-Freire/epcis/internal/storage"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestListCaptures(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM captures`).
		WithArgs("tenant-a", 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "capture_id", "tenant_id", "schema_version", "document_time", "record_time",
			"sbdh_sender_id", "sbdh_receiver_id", "sbdh_document_id",
		}).AddRow(int64(1), "cap-1", "tenant-a", "2.0", now, now, nil, nil, nil))

	caps, err := store.ListCaptures(context.Background(), "tenant-a", 50, 0)
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, "cap-1", caps[0].CaptureID)
	assert.Nil(t, caps[0].StandardBusinessHeader)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCaptureNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`FROM captures`).
		WithArgs("tenant-a", "missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "capture_id", "tenant_id", "schema_version", "document_time", "record_time",
			"sbdh_sender_id", "sbdh_receiver_id", "sbdh_document_id",
		}))

	_, err := store.GetCapture(context.Background(), "tenant-a", "missing")
	require.Error(t, err)
	re, ok := epciserr.AsRepositoryError(err)
	require.True(t, ok)
	assert.Equal(t, epciserr.CodeNotFound, re.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCaptureWithStandardBusinessHeader(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM captures`).
		WithArgs("tenant-a", "cap-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "capture_id", "tenant_id", "schema_version", "document_time", "record_time",
			"sbdh_sender_id", "sbdh_receiver_id", "sbdh_document_id",
		}).AddRow(int64(1), "cap-1", "tenant-a", "2.0", now, now, "sender-1", "receiver-1", "doc-1"))

	cap, err := store.GetCapture(context.Background(), "tenant-a", "cap-1")
	require.NoError(t, err)
	require.NotNil(t, cap.StandardBusinessHeader)
	assert.Equal(t, "sender-1", cap.StandardBusinessHeader.SenderID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDiscoveryValuesRejectsUnknownKind(t *testing.T) {
	store, _ := newMockStore(t)
	_, err := store.DiscoveryValues(context.Background(), "tenant-a", "not-a-kind")
	require.Error(t, err)
}

func TestDiscoveryValuesEventTypes(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT DISTINCT type FROM events`).
		WithArgs("tenant-a").
		WillReturnRows(sqlmock.NewRows([]string{"type"}).AddRow("ObjectEvent").AddRow("AggregationEvent"))

	values, err := store.DiscoveryValues(context.Background(), "tenant-a", "eventTypes")
	require.NoError(t, err)
	assert.Equal(t, []string{"ObjectEvent", "AggregationEvent"}, values)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxCommitsOnSuccess(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := store.Tx(context.Background(), func(tx storage.Tx) error { return nil })
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := assert.AnError
	err := store.Tx(context.Background(), func(tx storage.Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}
