package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/internal/query"
	"github.com/Robert-Freire/epcis/internal/storage"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
)

// orderColumns maps a storage.Order.Key to its events column.
var orderColumns = map[string]string{
	"eventTime": "e.event_time", "recordTime": "e.record_time",
}

// innerScanBatch bounds how many phase-1 candidate rows EventIdsMatching
// will pull per round while post-filtering EQ_INNER_/GE_INNER_/... style
// predicates that can't be pushed to SQL (they evaluate against the
// reconstructed extension tree, see query.MatchInnerOp). innerScanRounds
// bounds total rounds so an always-false inner predicate over a huge
// table can't turn a single request into an unbounded table scan.
const (
	innerScanBatch  = 500
	innerScanRounds = 20
)

// EventIdsMatching runs phase 1 of the two-phase retrieval: translate the
// SQL-pushable part of filter, page it with keyset pagination on
// (orderColumn, id), and - if any EQ_INNER_ style predicates are present -
// post-filter each candidate in process before applying the caller's
// limit, since those predicates address the reconstructed extension tree
// rather than a column or side table.
func (t *txImpl) EventIdsMatching(ctx context.Context, tenantID string, filter storage.Predicate, order storage.Order, limit storage.LimitSpec) ([]int64, error) {
	orderCol, ok := orderColumns[order.Key]
	if !ok {
		return nil, epciserr.UnsupportedParameter(order.Key)
	}
	sqlPred, innerPreds := splitInnerPredicates(filter)

	cmpOp := ">"
	sortDir := "ASC"
	if !order.Ascending {
		cmpOp = "<"
		sortDir = "DESC"
	}

	if len(innerPreds) == 0 {
		where, args, err := buildPredicate(sqlPred)
		if err != nil {
			return nil, err
		}
		b := &sqlBuilder{args: args}
		if limit.Cursor != nil {
			where += fmt.Sprintf(" AND (%s %s %s OR (%s = %s AND e.id %s %s))",
				orderCol, cmpOp, b.bind(limit.Cursor.OrderValue),
				orderCol, b.bind(limit.Cursor.OrderValue), cmpOp, b.bind(limit.Cursor.ID))
		}
		sqlText := fmt.Sprintf(`
			SELECT e.id FROM events e WHERE %s
			ORDER BY %s %s, e.id %s
			LIMIT %s
		`, where, orderCol, sortDir, sortDir, b.bind(limit.Max))
		return t.queryIDs(ctx, sqlText, b.args)
	}

	return t.scanWithInnerFilter(ctx, sqlPred, innerPreds, orderCol, cmpOp, sortDir, limit)
}

func (t *txImpl) queryIDs(ctx context.Context, sqlText string, args []interface{}) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, epciserr.StorageError(err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, epciserr.StorageError(err)
		}
		ids = append(ids, id)
	}
	return ids, storageErr(rows.Err())
}

// scanWithInnerFilter advances a keyset cursor over the SQL-pushable
// predicate in bounded batches, hydrating only each batch's Fields to
// test the inner predicates, and stops once limit.Max matches are
// collected or the scan budget is exhausted.
func (t *txImpl) scanWithInnerFilter(ctx context.Context, sqlPred storage.Predicate, innerPreds []storage.FieldPredicate, orderCol, cmpOp, sortDir string, limit storage.LimitSpec) ([]int64, error) {
	cursor := limit.Cursor
	var matched []int64

	for round := 0; round < innerScanRounds && len(matched) < limit.Max; round++ {
		where, args, err := buildPredicate(sqlPred)
		if err != nil {
			return nil, err
		}
		b := &sqlBuilder{args: args}
		if cursor != nil {
			where += fmt.Sprintf(" AND (%s %s %s OR (%s = %s AND e.id %s %s))",
				orderCol, cmpOp, b.bind(cursor.OrderValue),
				orderCol, b.bind(cursor.OrderValue), cmpOp, b.bind(cursor.ID))
		}
		batchQuery := fmt.Sprintf(`
			SELECT e.id, %s, e.id FROM events e WHERE %s
			ORDER BY %s %s, e.id %s
			LIMIT %s
		`, orderCol, where, orderCol, sortDir, sortDir, b.bind(innerScanBatch))

		rows, err := t.tx.QueryContext(ctx, batchQuery, b.args...)
		if err != nil {
			return nil, epciserr.StorageError(err)
		}
		var batch []int64
		var lastOrderValue string
		var lastID int64
		n := 0
		for rows.Next() {
			var id, rowID int64
			var orderValue interface{}
			if err := rows.Scan(&id, &orderValue, &rowID); err != nil {
				rows.Close()
				return nil, epciserr.StorageError(err)
			}
			batch = append(batch, id)
			lastOrderValue = fmt.Sprintf("%v", orderValue)
			lastID = rowID
			n++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, epciserr.StorageError(err)
		}
		if n == 0 {
			break
		}

		fields, err := t.fieldsForEvents(ctx, batch)
		if err != nil {
			return nil, err
		}
		for _, id := range batch {
			shell := &epcis.Event{ID: id, Fields: fields[id]}
			ok, err := matchesAllInner(shell, innerPreds)
			if err != nil {
				return nil, err
			}
			if ok {
				matched = append(matched, id)
				if len(matched) >= limit.Max {
					break
				}
			}
		}

		cursor = &storage.Cursor{OrderKey: "", OrderValue: lastOrderValue, ID: lastID}
		if n < innerScanBatch {
			break
		}
	}
	return matched, nil
}

func matchesAllInner(ev *epcis.Event, preds []storage.FieldPredicate) (bool, error) {
	for _, p := range preds {
		ok, err := query.MatchInnerOp(ev, p.Name, p.Op, p.Value)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// splitInnerPredicates pulls FieldType "Inner" predicates out of a flat
// And tree (the only shape query.Parse ever builds) so the remainder can
// be pushed to SQL. Nested And-of-And is flattened defensively even
// though the engine never constructs one.
func splitInnerPredicates(pred storage.Predicate) (storage.Predicate, []storage.FieldPredicate) {
	and, ok := pred.(storage.And)
	if !ok {
		if fp, ok := pred.(storage.FieldPredicate); ok && fp.FieldType == "Inner" {
			return storage.And{}, []storage.FieldPredicate{fp}
		}
		return pred, nil
	}

	var rest []storage.Predicate
	var inner []storage.FieldPredicate
	for _, c := range and.Children {
		if fp, ok := c.(storage.FieldPredicate); ok && fp.FieldType == "Inner" {
			inner = append(inner, fp)
			continue
		}
		sub, sf := splitInnerPredicates(c)
		inner = append(inner, sf...)
		rest = append(rest, sub)
	}
	return storage.And{Children: rest}, inner
}

// HydrateEvents loads full event aggregates for ids, preserving the
// caller's order via an id->event map built in one pass (O(n)).
func (t *txImpl) HydrateEvents(ctx context.Context, ids []int64) ([]epcis.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders, args := idsInClause(ids)
	byID := make(map[int64]*epcis.Event, len(ids))

	rows, err := t.tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, event_id, type, event_time, event_time_zone_offset, record_time, action,
		       biz_step, disposition, read_point, biz_location, transformation_id,
		       certification_info, corrective_decl_time, corrective_reason
		FROM events WHERE id IN (%s)
	`, placeholders), args...)
	if err != nil {
		return nil, epciserr.StorageError(err)
	}
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			rows.Close()
			return nil, epciserr.StorageError(err)
		}
		byID[ev.ID] = ev
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, epciserr.StorageError(err)
	}

	if err := t.loadEpcs(ctx, ids, byID); err != nil {
		return nil, err
	}
	if err := t.loadCorrectiveIDs(ctx, ids, byID); err != nil {
		return nil, err
	}
	if err := t.loadBizTransactions(ctx, ids, byID); err != nil {
		return nil, err
	}
	if err := t.loadSourcesDestinations(ctx, ids, byID); err != nil {
		return nil, err
	}
	if err := t.loadPersistentDispositions(ctx, ids, byID); err != nil {
		return nil, err
	}
	if err := t.loadSensorElementsReports(ctx, ids, byID); err != nil {
		return nil, err
	}
	fields, err := t.fieldsForEvents(ctx, ids)
	if err != nil {
		return nil, err
	}
	for id, fs := range fields {
		if ev, ok := byID[id]; ok {
			ev.Fields = fs
		}
	}

	out := make([]epcis.Event, 0, len(ids))
	for _, id := range ids {
		if ev, ok := byID[id]; ok {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func idsInClause(ids []int64) (string, []interface{}) {
	b := &sqlBuilder{}
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		placeholders[i] = b.bind(id)
	}
	return joinComma(placeholders), b.args
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

func scanEventRow(rows *sql.Rows) (*epcis.Event, error) {
	var ev epcis.Event
	var typ, action string
	var tzOffset, bizStep, disposition, readPoint, bizLocation, transformationID, certInfo, correctiveReason *string
	var correctiveTime *time.Time
	if err := rows.Scan(&ev.ID, &ev.EventID, &typ, &ev.EventTime, &tzOffset, &ev.RecordTime, &action,
		&bizStep, &disposition, &readPoint, &bizLocation, &transformationID, &certInfo,
		&correctiveTime, &correctiveReason); err != nil {
		return nil, err
	}
	ev.Type = epcis.EventType(typ)
	ev.Action = epcis.Action(action)
	ev.EventTimeZoneOffset = deref(tzOffset)
	ev.BusinessStep = deref(bizStep)
	ev.Disposition = deref(disposition)
	ev.ReadPoint = deref(readPoint)
	ev.BusinessLocation = deref(bizLocation)
	ev.TransformationID = deref(transformationID)
	ev.CertificationInfo = deref(certInfo)
	if correctiveTime != nil {
		ev.CorrectiveDeclarationTime = *correctiveTime
	}
	ev.CorrectiveReason = deref(correctiveReason)
	return &ev, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (t *txImpl) loadEpcs(ctx context.Context, ids []int64, byID map[int64]*epcis.Event) error {
	placeholders, args := idsInClause(ids)
	rows, err := t.tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT event_id, epc_type, epc, quantity, uom FROM event_epcs WHERE event_id IN (%s)
		ORDER BY id
	`, placeholders), args...)
	if err != nil {
		return epciserr.StorageError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var eventID int64
		var epcType string
		var id string
		var qty *float64
		var uom *string
		if err := rows.Scan(&eventID, &epcType, &id, &qty, &uom); err != nil {
			return epciserr.StorageError(err)
		}
		if ev, ok := byID[eventID]; ok {
			ev.Epcs = append(ev.Epcs, epcis.Epc{Type: epcis.EpcType(epcType), ID: id, Quantity: qty, UnitOfMeasure: deref(uom)})
		}
	}
	return storageErr(rows.Err())
}

func (t *txImpl) loadCorrectiveIDs(ctx context.Context, ids []int64, byID map[int64]*epcis.Event) error {
	placeholders, args := idsInClause(ids)
	rows, err := t.tx.QueryContext(ctx, fmt.Sprintf(`SELECT event_id, target_id FROM event_corrective_ids WHERE event_id IN (%s)`, placeholders), args...)
	if err != nil {
		return epciserr.StorageError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var eventID int64
		var target string
		if err := rows.Scan(&eventID, &target); err != nil {
			return epciserr.StorageError(err)
		}
		if ev, ok := byID[eventID]; ok {
			ev.CorrectiveEventIDs = append(ev.CorrectiveEventIDs, target)
		}
	}
	return storageErr(rows.Err())
}

func (t *txImpl) loadBizTransactions(ctx context.Context, ids []int64, byID map[int64]*epcis.Event) error {
	placeholders, args := idsInClause(ids)
	rows, err := t.tx.QueryContext(ctx, fmt.Sprintf(`SELECT event_id, type, biz_transaction_id FROM event_biz_transactions WHERE event_id IN (%s)`, placeholders), args...)
	if err != nil {
		return epciserr.StorageError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var eventID int64
		var bt epcis.BusinessTransaction
		if err := rows.Scan(&eventID, &bt.Type, &bt.ID); err != nil {
			return epciserr.StorageError(err)
		}
		if ev, ok := byID[eventID]; ok {
			ev.BusinessTransactions = append(ev.BusinessTransactions, bt)
		}
	}
	return storageErr(rows.Err())
}

func (t *txImpl) loadSourcesDestinations(ctx context.Context, ids []int64, byID map[int64]*epcis.Event) error {
	placeholders, args := idsInClause(ids)
	srcRows, err := t.tx.QueryContext(ctx, fmt.Sprintf(`SELECT event_id, type, source_id FROM event_sources WHERE event_id IN (%s)`, placeholders), args...)
	if err != nil {
		return epciserr.StorageError(err)
	}
	defer srcRows.Close()
	for srcRows.Next() {
		var eventID int64
		var s epcis.Source
		if err := srcRows.Scan(&eventID, &s.Type, &s.ID); err != nil {
			return epciserr.StorageError(err)
		}
		if ev, ok := byID[eventID]; ok {
			ev.Sources = append(ev.Sources, s)
		}
	}
	if err := srcRows.Err(); err != nil {
		return epciserr.StorageError(err)
	}

	placeholders, args = idsInClause(ids)
	dstRows, err := t.tx.QueryContext(ctx, fmt.Sprintf(`SELECT event_id, type, destination_id FROM event_destinations WHERE event_id IN (%s)`, placeholders), args...)
	if err != nil {
		return epciserr.StorageError(err)
	}
	defer dstRows.Close()
	for dstRows.Next() {
		var eventID int64
		var d epcis.Destination
		if err := dstRows.Scan(&eventID, &d.Type, &d.ID); err != nil {
			return epciserr.StorageError(err)
		}
		if ev, ok := byID[eventID]; ok {
			ev.Destinations = append(ev.Destinations, d)
		}
	}
	return storageErr(dstRows.Err())
}

func (t *txImpl) loadPersistentDispositions(ctx context.Context, ids []int64, byID map[int64]*epcis.Event) error {
	placeholders, args := idsInClause(ids)
	rows, err := t.tx.QueryContext(ctx, fmt.Sprintf(`SELECT event_id, kind, value FROM event_persistent_dispositions WHERE event_id IN (%s)`, placeholders), args...)
	if err != nil {
		return epciserr.StorageError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var eventID int64
		var kind, value string
		if err := rows.Scan(&eventID, &kind, &value); err != nil {
			return epciserr.StorageError(err)
		}
		ev, ok := byID[eventID]
		if !ok {
			continue
		}
		if len(ev.PersistentDispositions) == 0 {
			ev.PersistentDispositions = append(ev.PersistentDispositions, epcis.PersistentDisposition{})
		}
		pd := &ev.PersistentDispositions[0]
		if kind == "set" {
			pd.Set = append(pd.Set, value)
		} else {
			pd.Unset = append(pd.Unset, value)
		}
	}
	return storageErr(rows.Err())
}

func (t *txImpl) loadSensorElementsReports(ctx context.Context, ids []int64, byID map[int64]*epcis.Event) error {
	placeholders, args := idsInClause(ids)
	elRows, err := t.tx.QueryContext(ctx, fmt.Sprintf(`SELECT event_id, sensor_index FROM event_sensor_elements WHERE event_id IN (%s) ORDER BY sensor_index`, placeholders), args...)
	if err != nil {
		return epciserr.StorageError(err)
	}
	defer elRows.Close()
	for elRows.Next() {
		var eventID int64
		var idx int
		if err := elRows.Scan(&eventID, &idx); err != nil {
			return epciserr.StorageError(err)
		}
		if ev, ok := byID[eventID]; ok {
			ev.SensorElements = append(ev.SensorElements, epcis.SensorElement{Index: idx})
		}
	}
	if err := elRows.Err(); err != nil {
		return epciserr.StorageError(err)
	}

	placeholders, args = idsInClause(ids)
	repRows, err := t.tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT event_id, sensor_index, type, device_id, value, min_value, max_value, mean_value,
		       perc_rank, uom, report_time
		FROM event_sensor_reports WHERE event_id IN (%s) ORDER BY id
	`, placeholders), args...)
	if err != nil {
		return epciserr.StorageError(err)
	}
	defer repRows.Close()
	for repRows.Next() {
		var eventID int64
		var r epcis.SensorReport
		var typ, deviceID, uom *string
		if err := repRows.Scan(&eventID, &r.SensorIndex, &typ, &deviceID, &r.Value, &r.MinValue,
			&r.MaxValue, &r.MeanValue, &r.PercRank, &uom, &r.Time); err != nil {
			return epciserr.StorageError(err)
		}
		r.Type = deref(typ)
		r.DeviceID = deref(deviceID)
		r.UOM = deref(uom)
		if ev, ok := byID[eventID]; ok {
			ev.SensorReports = append(ev.SensorReports, r)
		}
	}
	return storageErr(repRows.Err())
}

// fieldsForEvents loads every Field row owned by ids, grouped by event,
// in insertion order (field_index ascending) so Flatten's DFS order is
// preserved on the way back out.
func (t *txImpl) fieldsForEvents(ctx context.Context, ids []int64) (map[int64][]epcis.Field, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders, args := idsInClause(ids)
	rows, err := t.tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT event_id, field_type, namespace, name, text_value, numeric_value, date_value,
		       field_index, parent_index, entity_index
		FROM event_fields WHERE event_id IN (%s) ORDER BY event_id, field_index
	`, placeholders), args...)
	if err != nil {
		return nil, epciserr.StorageError(err)
	}
	defer rows.Close()

	out := make(map[int64][]epcis.Field)
	for rows.Next() {
		var eventID int64
		var f epcis.Field
		var fieldType string
		if err := rows.Scan(&eventID, &fieldType, &f.Namespace, &f.Name, &f.TextValue, &f.NumericValue,
			&f.DateValue, &f.Index, &f.ParentIndex, &f.EntityIndex); err != nil {
			return nil, epciserr.StorageError(err)
		}
		f.Type = epcis.FieldType(fieldType)
		out[eventID] = append(out[eventID], f)
	}
	return out, storageErr(rows.Err())
}
