package postgres

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
)

func newMockTx(t *testing.T) (*txImpl, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")

	mock.ExpectBegin()
	tx, err := sqlxDB.Beginx()
	require.NoError(t, err)

	return &txImpl{tx: tx}, mock, func() { db.Close() }
}

func TestUpsertSubscription(t *testing.T) {
	tx, mock, closeDB := newMockTx(t)
	defer closeDB()

	mock.ExpectExec(`INSERT INTO subscriptions`).
		WithArgs("sub-1", "tenant-a", "simpleEventQuery", []byte("{}"), "https://example.com/hook", false,
			nil, nil, "OnCapture", nil, true).
		WillReturnResult(sqlmock.NewResult(1, 1))

	sub := &epcis.Subscription{
		Name: "sub-1", TenantID: "tenant-a", QueryName: "simpleEventQuery", Parameters: map[string][]string{},
		Destination: "https://example.com/hook", Trigger: epcis.TriggerOnCapture, Active: true,
	}
	require.NoError(t, tx.UpsertSubscription(context.Background(), sub))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubscriptionNotFound(t *testing.T) {
	tx, mock, closeDB := newMockTx(t)
	defer closeDB()

	mock.ExpectQuery(`FROM subscriptions`).
		WithArgs("tenant-a", "missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"name", "tenant_id", "query_name", "parameters", "destination", "report_if_empty",
			"initial_record_time", "last_executed_time", "trigger_kind", "cron_expression", "active",
		}))

	_, err := tx.GetSubscription(context.Background(), "tenant-a", "missing")
	require.Error(t, err)
	re, ok := epciserr.AsRepositoryError(err)
	require.True(t, ok)
	assert.Equal(t, epciserr.CodeNotFound, re.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubscriptionRoundTrip(t *testing.T) {
	tx, mock, closeDB := newMockTx(t)
	defer closeDB()

	now := time.Now().UTC()
	mock.ExpectQuery(`FROM subscriptions`).
		WithArgs("tenant-a", "sub-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"name", "tenant_id", "query_name", "parameters", "destination", "report_if_empty",
			"initial_record_time", "last_executed_time", "trigger_kind", "cron_expression", "active",
		}).AddRow("sub-1", "tenant-a", "simpleEventQuery", []byte(`{"eventType":["ObjectEvent"]}`),
			"https://example.com/hook", false, now, now, "OnCapture", nil, true))

	sub, err := tx.GetSubscription(context.Background(), "tenant-a", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ObjectEvent"}, sub.Parameters["eventType"])
	assert.Equal(t, epcis.TriggerKind("OnCapture"), sub.Trigger)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSubscriptionNotFound(t *testing.T) {
	tx, mock, closeDB := newMockTx(t)
	defer closeDB()

	mock.ExpectExec(`DELETE FROM subscriptions`).
		WithArgs("tenant-a", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := tx.DeleteSubscription(context.Background(), "tenant-a", "missing")
	require.Error(t, err)
	re, ok := epciserr.AsRepositoryError(err)
	require.True(t, ok)
	assert.Equal(t, epciserr.CodeNotFound, re.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertNamedQuery(t *testing.T) {
	tx, mock, closeDB := newMockTx(t)
	defer closeDB()

	mock.ExpectExec(`INSERT INTO named_queries`).
		WithArgs("my-query", "tenant-a", []byte(`{"eventType":["ObjectEvent"]}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	nq := &epcis.NamedQuery{Name: "my-query", TenantID: "tenant-a", Parameters: map[string][]string{"eventType": {"ObjectEvent"}}}
	require.NoError(t, tx.UpsertNamedQuery(context.Background(), nq))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListNamedQueries(t *testing.T) {
	tx, mock, closeDB := newMockTx(t)
	defer closeDB()

	mock.ExpectQuery(`FROM named_queries`).
		WithArgs("tenant-a").
		WillReturnRows(sqlmock.NewRows([]string{"name", "tenant_id", "parameters"}).
			AddRow("my-query", "tenant-a", []byte(`{}`)))

	out, err := tx.ListNamedQueries(context.Background(), "tenant-a")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "my-query", out[0].Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteNamedQueryNotFound(t *testing.T) {
	tx, mock, closeDB := newMockTx(t)
	defer closeDB()

	mock.ExpectExec(`DELETE FROM named_queries`).
		WithArgs("tenant-a", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := tx.DeleteNamedQuery(context.Background(), "tenant-a", "missing")
	require.Error(t, err)
	re, ok := epciserr.AsRepositoryError(err)
	require.True(t, ok)
	assert.Equal(t, epciserr.CodeNotFound, re.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}
