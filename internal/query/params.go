// Package query implements the EPCIS dynamic query parameter grammar: it
// parses a closed parameter family (spec §4.6) into a storage.Predicate
// tree, enforces tenant scoping and result caps, and runs the two-phase
// retrieval (id selection, then hydration) against a storage.Store.
package query

import (
	"strconv"
	"strings"

	"github.com/Robert-Freire/epcis/internal/storage"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
)

// eventFields are the top-level scalar event columns the EQ_/GE_/GT_/
// LE_/LT_ family may compare.
var eventFields = map[string]bool{
	"eventTime": true, "recordTime": true, "action": true,
	"bizStep": true, "disposition": true, "readPoint": true, "businessLocation": true,
}

// sensorFields are the SensorReport attributes the same comparator
// prefixes may compare when the field name isn't an event column; per
// spec §4.6 these always bind within a single SensorReport (EXISTS join).
var sensorFields = map[string]bool{
	"type": true, "deviceID": true, "value": true, "minValue": true,
	"maxValue": true, "meanValue": true, "percRank": true, "uom": true, "time": true,
}

var epcFields = map[string]bool{
	"epc": true, "anyEPC": true, "parentID": true, "inputEPC": true,
	"outputEPC": true, "epcClass": true, "anyEPCClass": true,
}

var eventTypeValues = map[string]bool{
	"ObjectEvent": true, "AggregationEvent": true, "TransactionEvent": true,
	"TransformationEvent": true, "QuantityEvent": true,
}

// Request is the parsed, not-yet-executed form of a caller's parameter set.
type Request struct {
	EventTypes      []string
	Predicate       storage.Predicate // built from everything but order/paging/eventType
	Order           storage.Order
	EventCountLimit int // 0 if unset; exact-or-fail
	MaxEventCount   int // 0 if unset; truncate
	PerPage         int
	NextPageToken   string
}

// Parse builds a Request from raw query parameters. Unknown parameter
// names fail UnsupportedParameter; malformed values fail
// InvalidParameterValue.
func Parse(params map[string][]string) (*Request, error) {
	req := &Request{Order: storage.Order{Key: "eventTime", Ascending: true}}
	var predicates []storage.Predicate
	var sensorConstraints []storage.SensorConstraint

	for name, values := range params {
		if len(values) == 0 {
			continue
		}
		value := values[0]

		switch {
		case name == "eventType":
			for _, v := range values {
				if !eventTypeValues[v] {
					return nil, epciserr.InvalidParameterValue(name, v)
				}
			}
			req.EventTypes = values

		case name == "orderBy":
			if value != "eventTime" && value != "recordTime" {
				return nil, epciserr.InvalidParameterValue(name, value)
			}
			req.Order.Key = value

		case name == "orderDirection":
			switch value {
			case "asc":
				req.Order.Ascending = true
			case "desc":
				req.Order.Ascending = false
			default:
				return nil, epciserr.InvalidParameterValue(name, value)
			}

		case name == "eventCountLimit":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, epciserr.InvalidParameterValue(name, value)
			}
			req.EventCountLimit = n

		case name == "maxEventCount":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, epciserr.InvalidParameterValue(name, value)
			}
			req.MaxEventCount = n

		case name == "perPage":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return nil, epciserr.InvalidParameterValue(name, value)
			}
			req.PerPage = n

		case name == "nextPageToken":
			req.NextPageToken = value

		case hasAnyPrefix(name, "EQ_ILMD_", "GE_ILMD_", "GT_ILMD_", "LE_ILMD_", "LT_ILMD_"):
			p, err := parseFieldPredicate(name, value, "ILMD_", "Ilmd")
			if err != nil {
				return nil, err
			}
			predicates = append(predicates, p)

		case hasAnyPrefix(name, "EQ_INNER_", "GE_INNER_", "GT_INNER_", "LE_INNER_", "LT_INNER_"):
			p, err := parseInnerPredicate(name, value)
			if err != nil {
				return nil, err
			}
			predicates = append(predicates, p)

		case strings.HasPrefix(name, "MATCH_"):
			field := strings.TrimPrefix(name, "MATCH_")
			if !epcFields[field] {
				return nil, epciserr.UnsupportedParameter(name)
			}
			predicates = append(predicates, storage.MatchEpc{EpcField: field, Pattern: value})

		case strings.HasPrefix(name, "WD_"):
			field := strings.TrimPrefix(name, "WD_")
			if field != "readPoint" && field != "bizLocation" {
				return nil, epciserr.UnsupportedParameter(name)
			}
			predicates = append(predicates, storage.WithDescendants{Field: field, Root: value})

		case strings.HasPrefix(name, "EXISTS_"):
			rest := strings.TrimPrefix(name, "EXISTS_")
			if eventFields[rest] {
				predicates = append(predicates, storage.FieldPredicate{FieldType: "Column", Name: rest, Op: storage.FieldOpExists})
				continue
			}
			ns, nm, ok := splitNamespaced(rest)
			if !ok {
				return nil, epciserr.UnsupportedParameter(name)
			}
			predicates = append(predicates, storage.FieldPredicate{FieldType: "EventExtension", Namespace: ns, Name: nm, Op: storage.FieldOpExists})

		case strings.HasPrefix(name, "HASATTR_"):
			rest := strings.TrimPrefix(name, "HASATTR_")
			vocab, attr, ok := splitNamespaced(rest)
			if !ok {
				return nil, epciserr.UnsupportedParameter(name)
			}
			predicates = append(predicates, storage.MasterDataAttr{Vocab: vocab, HasAttr: attr})

		case strings.HasPrefix(name, "EQATTR_"):
			rest := strings.TrimPrefix(name, "EQATTR_")
			vocab, attr, ok := splitNamespaced(rest)
			if !ok {
				return nil, epciserr.UnsupportedParameter(name)
			}
			predicates = append(predicates, storage.MasterDataAttr{Vocab: vocab, EqName: attr, EqValue: value})

		case hasComparatorPrefix(name):
			op, field := splitComparator(name)
			switch {
			case eventFields[field]:
				if op == storage.FieldOpEq {
					predicates = append(predicates, storage.Eq{Field: field, Value: value})
					continue
				}
				cmpOp, err := toCmpOp(op, name)
				if err != nil {
					return nil, err
				}
				predicates = append(predicates, storage.Cmp{Field: field, Op: cmpOp, Value: value})
			case sensorFields[field]:
				sensorConstraints = append(sensorConstraints, storage.SensorConstraint{Attribute: field, Op: op, Value: value})
			default:
				return nil, epciserr.UnsupportedParameter(name)
			}

		default:
			return nil, epciserr.UnsupportedParameter(name)
		}
	}

	if len(sensorConstraints) > 0 {
		predicates = append(predicates, storage.SensorReportPredicate{Constraints: sensorConstraints})
	}

	switch len(predicates) {
	case 0:
	case 1:
		req.Predicate = predicates[0]
	default:
		req.Predicate = storage.And{Children: predicates}
	}

	if req.PerPage == 0 {
		req.PerPage = 1000
	}

	return req, nil
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// splitNamespaced splits "<ns>_<name>" on the last underscore, since a
// namespace itself may legitimately contain underscores (e.g. a reversed
// domain name) while the leaf field name conventionally does not.
func splitNamespaced(s string) (ns, name string, ok bool) {
	i := strings.LastIndex(s, "_")
	if i <= 0 || i == len(s)-1 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func hasComparatorPrefix(name string) bool {
	return hasAnyPrefix(name, "EQ_", "GE_", "GT_", "LE_", "LT_")
}

func splitComparator(name string) (storage.FieldOp, string) {
	switch {
	case strings.HasPrefix(name, "EQ_"):
		return storage.FieldOpEq, strings.TrimPrefix(name, "EQ_")
	case strings.HasPrefix(name, "GE_"):
		return storage.FieldOpGE, strings.TrimPrefix(name, "GE_")
	case strings.HasPrefix(name, "GT_"):
		return storage.FieldOpGT, strings.TrimPrefix(name, "GT_")
	case strings.HasPrefix(name, "LE_"):
		return storage.FieldOpLE, strings.TrimPrefix(name, "LE_")
	default:
		return storage.FieldOpLT, strings.TrimPrefix(name, "LT_")
	}
}

func toCmpOp(op storage.FieldOp, paramName string) (storage.CmpOp, error) {
	switch op {
	case storage.FieldOpGE:
		return storage.OpGE, nil
	case storage.FieldOpGT:
		return storage.OpGT, nil
	case storage.FieldOpLE:
		return storage.OpLE, nil
	case storage.FieldOpLT:
		return storage.OpLT, nil
	default:
		return "", epciserr.UnsupportedParameter(paramName)
	}
}

func comparatorPrefixOp(prefix, paramName string) (storage.FieldOp, error) {
	switch prefix {
	case "EQ_":
		return storage.FieldOpEq, nil
	case "GE_":
		return storage.FieldOpGE, nil
	case "GT_":
		return storage.FieldOpGT, nil
	case "LE_":
		return storage.FieldOpLE, nil
	case "LT_":
		return storage.FieldOpLT, nil
	default:
		return "", epciserr.UnsupportedParameter(paramName)
	}
}

// parseFieldPredicate handles the EQ_ILMD_/GE_ILMD_/... family:
// "<OP>_ILMD_<namespace>_<name>". The comparator selects the value slot at
// execution time (internal/storage/postgres), per spec §4.6.
func parseFieldPredicate(name, value, marker, fieldType string) (storage.Predicate, error) {
	idx := strings.Index(name, marker)
	op, err := comparatorPrefixOp(name[:idx], name)
	if err != nil {
		return nil, err
	}
	rest := name[idx+len(marker):]
	ns, nm, ok := splitNamespaced(rest)
	if !ok {
		return nil, epciserr.UnsupportedParameter(name)
	}
	return storage.FieldPredicate{FieldType: fieldType, Namespace: ns, Name: nm, Op: op, Value: value}, nil
}

// parseInnerPredicate handles "<OP>_INNER_<dotted.path>", resolved at
// execution time via PaesslerAG/jsonpath against the reconstructed
// extension tree.
func parseInnerPredicate(name, value string) (storage.Predicate, error) {
	idx := strings.Index(name, "INNER_")
	op, err := comparatorPrefixOp(name[:idx], name)
	if err != nil {
		return nil, err
	}
	path := name[idx+len("INNER_"):]
	if path == "" {
		return nil, epciserr.UnsupportedParameter(name)
	}
	return storage.FieldPredicate{FieldType: "Inner", Name: path, Op: op, Value: value}, nil
}
