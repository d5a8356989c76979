package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
)

type txImpl struct {
	tx *sqlx.Tx
}

// InsertCapture persists cap and every owned Event, in the shape the
// teacher's store_postgres.go files insert owned rows: one INSERT
// statement per owned row, all inside the already-open transaction.
func (t *txImpl) InsertCapture(ctx context.Context, cap *epcis.Capture) error {
	var sender, receiver, docID interface{}
	if cap.StandardBusinessHeader != nil {
		sender, receiver, docID = cap.StandardBusinessHeader.SenderID, cap.StandardBusinessHeader.ReceiverID, cap.StandardBusinessHeader.DocumentID
	}

	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO captures (capture_id, tenant_id, schema_version, document_time, record_time,
		                       sbdh_sender_id, sbdh_receiver_id, sbdh_document_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, cap.CaptureID, cap.TenantID, cap.SchemaVersion, cap.DocumentTime, cap.RecordTime,
		sender, receiver, docID).Scan(&cap.ID)
	if err != nil {
		return epciserr.StorageError(err)
	}

	for i := range cap.Events {
		ev := &cap.Events[i]
		if err := t.insertEvent(ctx, cap.ID, cap.TenantID, cap.RecordTime, ev); err != nil {
			return err
		}
	}
	return nil
}

func (t *txImpl) insertEvent(ctx context.Context, captureID int64, tenantID string, recordTime time.Time, ev *epcis.Event) error {
	var correctiveTime interface{}
	if !ev.CorrectiveDeclarationTime.IsZero() {
		correctiveTime = ev.CorrectiveDeclarationTime
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO events (capture_id, tenant_id, event_id, type, event_time, event_time_zone_offset,
		                     record_time, action, biz_step, disposition, read_point, biz_location,
		                     transformation_id, certification_info, corrective_decl_time, corrective_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING id
	`, captureID, tenantID, ev.EventID, string(ev.Type), ev.EventTime, nullable(ev.EventTimeZoneOffset),
		recordTime, nullable(string(ev.Action)), nullable(ev.BusinessStep), nullable(ev.Disposition),
		nullable(ev.ReadPoint), nullable(ev.BusinessLocation), nullable(ev.TransformationID),
		nullable(ev.CertificationInfo), correctiveTime, nullable(ev.CorrectiveReason)).Scan(&ev.ID)
	if err != nil {
		return epciserr.StorageError(err)
	}

	for _, id := range ev.CorrectiveEventIDs {
		if _, err := t.tx.ExecContext(ctx, `INSERT INTO event_corrective_ids (event_id, target_id) VALUES ($1,$2)`, ev.ID, id); err != nil {
			return epciserr.StorageError(err)
		}
	}
	for _, e := range ev.Epcs {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO event_epcs (event_id, epc_type, epc, quantity, uom) VALUES ($1,$2,$3,$4,$5)
		`, ev.ID, string(e.Type), e.ID, e.Quantity, nullable(e.UnitOfMeasure)); err != nil {
			return epciserr.StorageError(err)
		}
	}
	for _, bt := range ev.BusinessTransactions {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO event_biz_transactions (event_id, type, biz_transaction_id) VALUES ($1,$2,$3)
		`, ev.ID, bt.Type, bt.ID); err != nil {
			return epciserr.StorageError(err)
		}
	}
	for _, s := range ev.Sources {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO event_sources (event_id, type, source_id) VALUES ($1,$2,$3)
		`, ev.ID, s.Type, s.ID); err != nil {
			return epciserr.StorageError(err)
		}
	}
	for _, d := range ev.Destinations {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO event_destinations (event_id, type, destination_id) VALUES ($1,$2,$3)
		`, ev.ID, d.Type, d.ID); err != nil {
			return epciserr.StorageError(err)
		}
	}
	for _, pd := range ev.PersistentDispositions {
		for _, v := range pd.Set {
			if _, err := t.tx.ExecContext(ctx, `INSERT INTO event_persistent_dispositions (event_id, kind, value) VALUES ($1,'set',$2)`, ev.ID, v); err != nil {
				return epciserr.StorageError(err)
			}
		}
		for _, v := range pd.Unset {
			if _, err := t.tx.ExecContext(ctx, `INSERT INTO event_persistent_dispositions (event_id, kind, value) VALUES ($1,'unset',$2)`, ev.ID, v); err != nil {
				return epciserr.StorageError(err)
			}
		}
	}
	for _, se := range ev.SensorElements {
		if _, err := t.tx.ExecContext(ctx, `INSERT INTO event_sensor_elements (event_id, sensor_index) VALUES ($1,$2)`, ev.ID, se.Index); err != nil {
			return epciserr.StorageError(err)
		}
	}
	for _, r := range ev.SensorReports {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO event_sensor_reports (event_id, sensor_index, type, device_id, value, min_value,
			                                   max_value, mean_value, perc_rank, uom, report_time)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, ev.ID, r.SensorIndex, nullable(r.Type), nullable(r.DeviceID), r.Value, r.MinValue, r.MaxValue,
			r.MeanValue, r.PercRank, nullable(r.UOM), r.Time); err != nil {
			return epciserr.StorageError(err)
		}
	}
	for _, f := range ev.Fields {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO event_fields (event_id, field_type, namespace, name, text_value, numeric_value,
			                           date_value, field_index, parent_index, entity_index)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, ev.ID, string(f.Type), f.Namespace, f.Name, f.TextValue, f.NumericValue, f.DateValue,
			f.Index, f.ParentIndex, f.EntityIndex); err != nil {
			return epciserr.StorageError(err)
		}
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// InsertMasterData upserts one vocabulary entry and its attribute/hierarchy
// edges. Edges are recorded in a single direction (parent -> child) from
// both the entry's own Children list and reciprocally from its Parents
// list, so DescendantsOf's recursive query never needs to care which side
// declared the relationship.
func (t *txImpl) InsertMasterData(ctx context.Context, md *epcis.MasterData) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO masterdata (capture_id, tenant_id, type, vocab_id)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (tenant_id, type, vocab_id) DO UPDATE SET capture_id = EXCLUDED.capture_id
	`, md.CaptureID, md.TenantID, md.Type, md.ID)
	if err != nil {
		return epciserr.StorageError(err)
	}

	if _, err := t.tx.ExecContext(ctx, `DELETE FROM masterdata_attributes WHERE tenant_id=$1 AND type=$2 AND vocab_id=$3`, md.TenantID, md.Type, md.ID); err != nil {
		return epciserr.StorageError(err)
	}
	for name, value := range md.Attributes {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO masterdata_attributes (tenant_id, type, vocab_id, name, value) VALUES ($1,$2,$3,$4,$5)
		`, md.TenantID, md.Type, md.ID, name, value); err != nil {
			return epciserr.StorageError(err)
		}
	}

	for _, child := range md.Children {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO masterdata_children (tenant_id, type, vocab_id, child_id) VALUES ($1,$2,$3,$4)
		`, md.TenantID, md.Type, md.ID, child); err != nil {
			return epciserr.StorageError(err)
		}
	}
	for _, parent := range md.Parents {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO masterdata_children (tenant_id, type, vocab_id, child_id) VALUES ($1,$2,$3,$4)
		`, md.TenantID, md.Type, parent, md.ID); err != nil {
			return epciserr.StorageError(err)
		}
	}
	return nil
}

// DescendantsOf returns every URI transitively reachable from root via
// masterdata_children, using a recursive CTE rather than walking the
// hierarchy one level per round trip.
func (t *txImpl) DescendantsOf(ctx context.Context, tenantID, root string) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		WITH RECURSIVE descendants AS (
			SELECT child_id FROM masterdata_children WHERE tenant_id = $1 AND vocab_id = $2
			UNION
			SELECT mc.child_id FROM masterdata_children mc
			JOIN descendants d ON mc.vocab_id = d.child_id AND mc.tenant_id = $1
		)
		SELECT child_id FROM descendants
	`, tenantID, root)
	if err != nil {
		return nil, epciserr.StorageError(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, epciserr.StorageError(err)
		}
		out = append(out, id)
	}
	return out, storageErr(rows.Err())
}

func (t *txImpl) UpsertSubscription(ctx context.Context, sub *epcis.Subscription) error {
	params, err := json.Marshal(sub.Parameters)
	if err != nil {
		return epciserr.StorageError(err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO subscriptions (name, tenant_id, query_name, parameters, destination, report_if_empty,
		                            initial_record_time, last_executed_time, trigger_kind, cron_expression, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (tenant_id, name) DO UPDATE SET
			query_name = EXCLUDED.query_name, parameters = EXCLUDED.parameters,
			destination = EXCLUDED.destination, report_if_empty = EXCLUDED.report_if_empty,
			trigger_kind = EXCLUDED.trigger_kind, cron_expression = EXCLUDED.cron_expression,
			active = EXCLUDED.active
	`, sub.Name, sub.TenantID, sub.QueryName, params, sub.Destination, sub.ReportIfEmpty,
		nullTime(sub.InitialRecordTime), nullTime(sub.LastExecutedTime), string(sub.Trigger),
		nullable(sub.CronExpression), sub.Active)
	if err != nil {
		return epciserr.StorageError(err)
	}
	return nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func (t *txImpl) ListSubscriptions(ctx context.Context, tenantID string) ([]epcis.Subscription, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT name, tenant_id, query_name, parameters, destination, report_if_empty,
		       initial_record_time, last_executed_time, trigger_kind, cron_expression, active
		FROM subscriptions WHERE tenant_id = $1 ORDER BY name
	`, tenantID)
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

func (t *txImpl) GetSubscription(ctx context.Context, tenantID, name string) (*epcis.Subscription, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT name, tenant_id, query_name, parameters, destination, report_if_empty,
		       initial_record_time, last_executed_time, trigger_kind, cron_expression, active
		FROM subscriptions WHERE tenant_id = $1 AND name = $2
	`, tenantID, name)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, epciserr.NotFound("subscription", name)
	}
	return &sub, nil
}

func scanSubscription(row rowScanner) (epcis.Subscription, error) {
	var sub epcis.Subscription
	var params []byte
	var initial, last sql.NullTime
	var cron sql.NullString
	err := row.Scan(&sub.Name, &sub.TenantID, &sub.QueryName, &params, &sub.Destination, &sub.ReportIfEmpty,
		&initial, &last, &sub.Trigger, &cron, &sub.Active)
	if err != nil {
		return epcis.Subscription{}, err
	}
	if err := json.Unmarshal(params, &sub.Parameters); err != nil {
		return epcis.Subscription{}, err
	}
	sub.InitialRecordTime = initial.Time
	sub.LastExecutedTime = last.Time
	sub.CronExpression = cron.String
	return sub, nil
}

func (t *txImpl) DeleteSubscription(ctx context.Context, tenantID, name string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE tenant_id=$1 AND name=$2`, tenantID, name)
	if err != nil {
		return epciserr.StorageError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return epciserr.NotFound("subscription", name)
	}
	return nil
}

func (t *txImpl) AdvanceSubscriptionCursor(ctx context.Context, tenantID, name string, recordTime time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE subscriptions SET last_executed_time = $3 WHERE tenant_id = $1 AND name = $2
	`, tenantID, name, recordTime)
	if err != nil {
		return epciserr.StorageError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return epciserr.NotFound("subscription", name)
	}
	return nil
}

func (t *txImpl) UpsertNamedQuery(ctx context.Context, nq *epcis.NamedQuery) error {
	params, err := json.Marshal(nq.Parameters)
	if err != nil {
		return epciserr.StorageError(err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO named_queries (name, tenant_id, parameters)
		VALUES ($1,$2,$3)
		ON CONFLICT (tenant_id, name) DO UPDATE SET parameters = EXCLUDED.parameters
	`, nq.Name, nq.TenantID, params)
	if err != nil {
		return epciserr.StorageError(err)
	}
	return nil
}

func (t *txImpl) ListNamedQueries(ctx context.Context, tenantID string) ([]epcis.NamedQuery, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT name, tenant_id, parameters FROM named_queries WHERE tenant_id = $1 ORDER BY name
	`, tenantID)
	if err != nil {
		return nil, epciserr.StorageError(err)
	}
	defer rows.Close()

	var out []epcis.NamedQuery
	for rows.Next() {
		nq, err := scanNamedQuery(rows)
		if err != nil {
			return nil, epciserr.StorageError(err)
		}
		out = append(out, nq)
	}
	return out, storageErr(rows.Err())
}

func (t *txImpl) GetNamedQuery(ctx context.Context, tenantID, name string) (*epcis.NamedQuery, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT name, tenant_id, parameters FROM named_queries WHERE tenant_id = $1 AND name = $2
	`, tenantID, name)
	nq, err := scanNamedQuery(row)
	if err != nil {
		return nil, epciserr.NotFound("query", name)
	}
	return &nq, nil
}

func scanNamedQuery(row rowScanner) (epcis.NamedQuery, error) {
	var nq epcis.NamedQuery
	var params []byte
	if err := row.Scan(&nq.Name, &nq.TenantID, &params); err != nil {
		return epcis.NamedQuery{}, err
	}
	if err := json.Unmarshal(params, &nq.Parameters); err != nil {
		return epcis.NamedQuery{}, err
	}
	return nq, nil
}

func (t *txImpl) DeleteNamedQuery(ctx context.Context, tenantID, name string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM named_queries WHERE tenant_id=$1 AND name=$2`, tenantID, name)
	if err != nil {
		return epciserr.StorageError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return epciserr.NotFound("query", name)
	}
	return nil
}
