package postgres

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Robert-Freire/epcis/internal/storage"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
)

// eventColumns maps the Predicate AST's logical field names to their
// column in the events table.
var eventColumns = map[string]string{
	"tenantId": "e.tenant_id", "eventTime": "e.event_time", "recordTime": "e.record_time",
	"action": "e.action", "bizStep": "e.biz_step", "disposition": "e.disposition",
	"readPoint": "e.read_point", "businessLocation": "e.biz_location", "bizLocation": "e.biz_location",
	"type": "e.type", "eventId": "e.event_id",
	// captureId is internal-only: never parsed from a caller's query
	// parameters (see query.Parse's eventFields), used solely by
	// GET /capture/{id} to hydrate one capture's own events.
	"captureId": "e.capture_id",
}

type sqlBuilder struct {
	args []interface{}
}

func (b *sqlBuilder) bind(v interface{}) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// buildPredicate renders pred as a SQL boolean expression against the
// `events e` alias, returning the WHERE fragment and its positional args.
func buildPredicate(pred storage.Predicate) (string, []interface{}, error) {
	b := &sqlBuilder{}
	expr, err := b.render(pred)
	if err != nil {
		return "", nil, err
	}
	return expr, b.args, nil
}

func (b *sqlBuilder) render(pred storage.Predicate) (string, error) {
	switch p := pred.(type) {
	case storage.And:
		if len(p.Children) == 0 {
			return "TRUE", nil
		}
		var parts []string
		for _, c := range p.Children {
			expr, err := b.render(c)
			if err != nil {
				return "", err
			}
			parts = append(parts, "("+expr+")")
		}
		return strings.Join(parts, " AND "), nil

	case storage.Eq:
		col, ok := eventColumns[p.Field]
		if !ok {
			return "", epciserr.UnsupportedParameter(p.Field)
		}
		return fmt.Sprintf("%s = %s", col, b.bind(p.Value)), nil

	case storage.Cmp:
		col, ok := eventColumns[p.Field]
		if !ok {
			return "", epciserr.UnsupportedParameter(p.Field)
		}
		return fmt.Sprintf("%s %s %s", col, string(p.Op), b.bind(p.Value)), nil

	case storage.MatchEpc:
		return b.renderMatchEpc(p)

	case storage.WithDescendants:
		col, ok := eventColumns[p.Field]
		if !ok {
			return "", epciserr.UnsupportedParameter(p.Field)
		}
		// Matches root itself or any URI reachable from root through
		// masterdata_children edges of the event's own tenant.
		root := b.bind(p.Root)
		return fmt.Sprintf(`(%s = %s OR %s IN (
			WITH RECURSIVE descendants AS (
				SELECT child_id FROM masterdata_children WHERE tenant_id = e.tenant_id AND vocab_id = %s
				UNION
				SELECT mc.child_id FROM masterdata_children mc
				JOIN descendants d ON mc.vocab_id = d.child_id AND mc.tenant_id = e.tenant_id
			)
			SELECT child_id FROM descendants
		))`, col, root, col, root), nil

	case storage.FieldPredicate:
		return b.renderFieldPredicate(p)

	case storage.SensorReportPredicate:
		return b.renderSensorReport(p)

	case storage.MasterDataAttr:
		return b.renderMasterDataAttr(p)

	default:
		return "", fmt.Errorf("postgres: unhandled predicate type %T", pred)
	}
}

// renderMatchEpc translates a trailing-"*" wildcard pattern to a SQL LIKE,
// escaping any literal '%'/'_' the caller's pattern happens to contain.
func (b *sqlBuilder) renderMatchEpc(p storage.MatchEpc) (string, error) {
	var epcTypeFilter string
	switch p.EpcField {
	case "epc":
		epcTypeFilter = "'List'"
	case "anyEPC":
		epcTypeFilter = "'List','ChildEpc','InputEpc','OutputEpc'"
	case "parentID":
		epcTypeFilter = "'ParentId'"
	case "inputEPC":
		epcTypeFilter = "'InputEpc'"
	case "outputEPC":
		epcTypeFilter = "'OutputEpc'"
	case "epcClass", "anyEPCClass":
		epcTypeFilter = "'Quantity'"
	default:
		return "", epciserr.UnsupportedParameter(p.EpcField)
	}

	like := sqlEscapeLike(strings.TrimSuffix(p.Pattern, "*"))
	if strings.HasSuffix(p.Pattern, "*") {
		like += "%"
	}
	likeArg := b.bind(like)
	return fmt.Sprintf(`EXISTS (
		SELECT 1 FROM event_epcs ee WHERE ee.event_id = e.id
		AND ee.epc_type IN (%s) AND ee.epc LIKE %s ESCAPE '\'
	)`, epcTypeFilter, likeArg), nil
}

func sqlEscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return r.Replace(s)
}

// renderFieldPredicate handles the two FieldPredicate shapes that push
// down to SQL. "Column" targets a nullable top-level event column
// (EXISTS_<col>); anything else targets the event_fields side table
// keyed by field_type/namespace/name. FieldType "Inner" never reaches
// here: the engine evaluates it in process against the reconstructed
// extension tree before calling buildPredicate (see splitInnerPredicates).
func (b *sqlBuilder) renderFieldPredicate(p storage.FieldPredicate) (string, error) {
	if p.FieldType == "Column" {
		col, ok := eventColumns[p.Name]
		if !ok {
			return "", epciserr.UnsupportedParameter(p.Name)
		}
		return fmt.Sprintf("%s IS NOT NULL AND %s <> ''", col, col), nil
	}

	if p.Op == storage.FieldOpExists {
		return fmt.Sprintf(`EXISTS (
			SELECT 1 FROM event_fields ef WHERE ef.event_id = e.id
			AND ef.field_type = %s AND ef.namespace = %s AND ef.name = %s
		)`, b.bind(p.FieldType), b.bind(p.Namespace), b.bind(p.Name)), nil
	}

	valueCol, cmp, cast, err := fieldOpSQL(p.Op, p.Value)
	if err != nil {
		return "", err
	}
	valueClause := fmt.Sprintf("AND ef.%s %s %s%s", valueCol, cmp, b.bind(p.Value), cast)
	return fmt.Sprintf(`EXISTS (
		SELECT 1 FROM event_fields ef WHERE ef.event_id = e.id
		AND ef.field_type = %s AND ef.namespace = %s AND ef.name = %s
		%s
	)`, b.bind(p.FieldType), b.bind(p.Namespace), b.bind(p.Name), valueClause), nil
}

// fieldOpSQL maps a comparator to its value column, operator and an
// explicit cast on the bound placeholder: the stored parameter is always
// a string (spec §4.6 parameters arrive untyped from the query string),
// while text_value is TEXT, numeric_value is DOUBLE PRECISION and
// date_value is TIMESTAMPTZ, and Postgres has no implicit text<->those
// comparisons. GE/GT/LE/LT select numeric_value for a numeric literal or
// date_value for an ISO-8601 literal, per the ILMD value-slot rule.
func fieldOpSQL(op storage.FieldOp, literal string) (column, cmp, cast string, err error) {
	switch op {
	case storage.FieldOpEq:
		return "text_value", "=", "", nil
	case storage.FieldOpExists:
		return "", "", "", nil
	}
	cmp, err = timeOpSQL(op)
	if err != nil {
		return "", "", "", err
	}
	if _, perr := strconv.ParseFloat(literal, 64); perr == nil {
		return "numeric_value", cmp, "::double precision", nil
	}
	return "date_value", cmp, "::timestamptz", nil
}

// renderSensorReport translates a SensorReportPredicate into a single
// EXISTS join so every constraint must hold on the SAME sensorReport row
// (spec §4.6's sensor tie-break rule), never as independent per-attribute
// ANDs that could each match a different report.
func (b *sqlBuilder) renderSensorReport(p storage.SensorReportPredicate) (string, error) {
	col := map[string]string{
		"type": "type", "deviceID": "device_id", "value": "value",
		"minValue": "min_value", "maxValue": "max_value", "meanValue": "mean_value",
		"percRank": "perc_rank", "uom": "uom", "time": "report_time",
	}
	textColumns := map[string]bool{"type": true, "device_id": true, "uom": true}
	var clauses []string
	for _, c := range p.Constraints {
		column, ok := col[c.Attribute]
		if !ok {
			return "", epciserr.UnsupportedParameter(c.Attribute)
		}
		if c.Op == storage.FieldOpEq && textColumns[column] {
			clauses = append(clauses, fmt.Sprintf("sr.%s = %s", column, b.bind(c.Value)))
			continue
		}
		if column == "report_time" {
			cmp, err := timeOpSQL(c.Op)
			if err != nil {
				return "", err
			}
			clauses = append(clauses, fmt.Sprintf("sr.%s %s %s::timestamptz", column, cmp, b.bind(c.Value)))
			continue
		}
		_, cmp, cast, err := fieldOpSQL(c.Op, c.Value)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, fmt.Sprintf("sr.%s %s %s%s", column, cmp, b.bind(c.Value), cast))
	}
	return fmt.Sprintf(`EXISTS (
		SELECT 1 FROM event_sensor_reports sr WHERE sr.event_id = e.id AND %s
	)`, strings.Join(clauses, " AND ")), nil
}

func timeOpSQL(op storage.FieldOp) (string, error) {
	switch op {
	case storage.FieldOpEq:
		return "=", nil
	case storage.FieldOpGE:
		return ">=", nil
	case storage.FieldOpGT:
		return ">", nil
	case storage.FieldOpLE:
		return "<=", nil
	case storage.FieldOpLT:
		return "<", nil
	default:
		return "", fmt.Errorf("postgres: unhandled time op %q", op)
	}
}

func (b *sqlBuilder) renderMasterDataAttr(p storage.MasterDataAttr) (string, error) {
	vocabCol, ok := eventColumns[p.Vocab]
	if !ok {
		return "", epciserr.UnsupportedParameter(p.Vocab)
	}
	if p.HasAttr != "" {
		return fmt.Sprintf(`EXISTS (
			SELECT 1 FROM masterdata_attributes ma WHERE ma.vocab_id = %s AND ma.name = %s
		)`, vocabCol, b.bind(p.HasAttr)), nil
	}
	return fmt.Sprintf(`EXISTS (
		SELECT 1 FROM masterdata_attributes ma WHERE ma.vocab_id = %s AND ma.name = %s AND ma.value = %s
	)`, vocabCol, b.bind(p.EqName), b.bind(p.EqValue)), nil
}
