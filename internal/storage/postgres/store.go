// Package postgres is the PostgreSQL-backed implementation of
// internal/storage's engine-agnostic Store/Tx contract, following the
// direct database/sql-with-lib/pq style the teacher's
// services/indexer/storage.go uses, layered with jmoiron/sqlx for
// struct-scanning convenience on the read paths.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/internal/storage"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
)

// Store is the PostgreSQL-backed storage.Store implementation.
type Store struct {
	db *sqlx.DB
}

// Open connects to connectionString and verifies it with a ping,
// mirroring the pool sizing the teacher's indexer storage uses.
func Open(connectionString string) (*Store, error) {
	db, err := sqlx.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// storageErr wraps err as a RepositoryError, passing nil through
// unchanged. A bare epciserr.StorageError(err) call on a nil err would
// still return a non-nil error interface (the wrapped *RepositoryError
// pointer is non-nil even when its Err field is nil), so every rows.Err()
// passthrough in this package goes through this helper instead.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	return epciserr.StorageError(err)
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Tx runs fn inside one transaction, rolling back on error or panic.
func (s *Store) Tx(ctx context.Context, fn func(storage.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return epciserr.StorageError(err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err := fn(&txImpl{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return epciserr.StorageError(err)
	}
	committed = true
	return nil
}

// ListCaptures returns a tenant-scoped, paged list of captures, newest first.
func (s *Store) ListCaptures(ctx context.Context, tenantID string, limit, offset int) ([]epcis.Capture, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, capture_id, tenant_id, schema_version, document_time, record_time,
		       sbdh_sender_id, sbdh_receiver_id, sbdh_document_id
		FROM captures
		WHERE tenant_id = $1
		ORDER BY record_time DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, epciserr.StorageError(err)
	}
	defer rows.Close()

	var out []epcis.Capture
	for rows.Next() {
		cap, err := scanCapture(rows)
		if err != nil {
			return nil, epciserr.StorageError(err)
		}
		out = append(out, cap)
	}
	return out, storageErr(rows.Err())
}

// GetCapture loads one capture's header (without hydrating events).
func (s *Store) GetCapture(ctx context.Context, tenantID, captureID string) (*epcis.Capture, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, capture_id, tenant_id, schema_version, document_time, record_time,
		       sbdh_sender_id, sbdh_receiver_id, sbdh_document_id
		FROM captures
		WHERE tenant_id = $1 AND capture_id = $2
	`, tenantID, captureID)
	cap, err := scanCapture(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, epciserr.NotFound("capture", captureID)
	}
	if err != nil {
		return nil, epciserr.StorageError(err)
	}
	return &cap, nil
}

// ActiveSubscriptions returns every active subscription across all tenants,
// ordered for deterministic polling.
func (s *Store) ActiveSubscriptions(ctx context.Context) ([]epcis.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, tenant_id, query_name, parameters, destination, report_if_empty,
		       initial_record_time, last_executed_time, trigger_kind, cron_expression, active
		FROM subscriptions WHERE active = true ORDER BY tenant_id, name
	`)
	if err != nil {
		return nil, epciserr.StorageError(err)
	}
	defer rows.Close()

	var out []epcis.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, epciserr.StorageError(err)
		}
		out = append(out, sub)
	}
	return out, storageErr(rows.Err())
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCapture(row rowScanner) (epcis.Capture, error) {
	var c epcis.Capture
	var sender, receiver, docID sql.NullString
	err := row.Scan(&c.ID, &c.CaptureID, &c.TenantID, &c.SchemaVersion, &c.DocumentTime, &c.RecordTime,
		&sender, &receiver, &docID)
	if err != nil {
		return epcis.Capture{}, err
	}
	if sender.Valid || receiver.Valid || docID.Valid {
		c.StandardBusinessHeader = &epcis.StandardBusinessHeader{
			SenderID: sender.String, ReceiverID: receiver.String, DocumentID: docID.String,
		}
	}
	return c, nil
}

// discoveryColumns maps a discovery "kind" to the column/table it reads.
var discoveryColumns = map[string]string{
	"eventTypes":   "SELECT DISTINCT type FROM events WHERE tenant_id = $1",
	"bizSteps":     "SELECT DISTINCT biz_step FROM events WHERE tenant_id = $1 AND biz_step IS NOT NULL AND biz_step <> ''",
	"bizLocations": "SELECT DISTINCT biz_location FROM events WHERE tenant_id = $1 AND biz_location IS NOT NULL AND biz_location <> ''",
	"readPoints":   "SELECT DISTINCT read_point FROM events WHERE tenant_id = $1 AND read_point IS NOT NULL AND read_point <> ''",
	"dispositions": "SELECT DISTINCT disposition FROM events WHERE tenant_id = $1 AND disposition IS NOT NULL AND disposition <> ''",
	"epcs": `SELECT DISTINCT ee.epc FROM event_epcs ee
		JOIN events e ON e.id = ee.event_id WHERE e.tenant_id = $1`,
}

// DiscoveryValues returns the distinct values of a vocabulary-like column.
func (s *Store) DiscoveryValues(ctx context.Context, tenantID, kind string) ([]string, error) {
	query, ok := discoveryColumns[kind]
	if !ok {
		return nil, epciserr.UnsupportedParameter(kind)
	}
	var out []string
	if err := s.db.SelectContext(ctx, &out, query, tenantID); err != nil {
		return nil, epciserr.StorageError(err)
	}
	return out, nil
}
