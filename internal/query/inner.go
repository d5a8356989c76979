package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/internal/storage"
)

// ExtensionTree reconstructs the nested extension object a Field list
// represents, keyed by dotted namespace.name paths, so EQ_INNER_<path>
// predicates can be evaluated with the same jsonpath engine the decoders'
// sibling example used for datafeed extraction.
//
// Reconstruction buckets children by ParentIndex in O(n) (the same
// bucketing the encoders use) before walking, never a per-field linear
// scan.
func ExtensionTree(ev *epcis.Event) map[string]interface{} {
	buckets := ev.FieldsByParent()
	root := map[string]interface{}{}
	for _, f := range buckets[epcis.RootKey(-1)] {
		if f.Type != epcis.FieldEventExtension && f.Type != epcis.FieldIlmd {
			continue
		}
		key := f.Namespace + "." + f.Name
		root[key] = fieldSubtree(f, buckets)
	}
	return root
}

func fieldSubtree(f epcis.Field, buckets map[epcis.FieldBucketKey][]epcis.Field) interface{} {
	children := buckets[epcis.ChildKey(f)]
	if len(children) == 0 {
		return leafValue(f)
	}
	sub := map[string]interface{}{}
	for _, c := range children {
		sub[c.Namespace+"."+c.Name] = fieldSubtree(c, buckets)
	}
	return sub
}

func leafValue(f epcis.Field) interface{} {
	switch {
	case f.NumericValue != nil:
		return *f.NumericValue
	case f.DateValue != nil:
		return f.DateValue.Format("2006-01-02T15:04:05.000Z")
	case f.TextValue != nil:
		return *f.TextValue
	default:
		return nil
	}
}

// MatchInner evaluates an EQ_INNER_<path> style predicate against ev's
// reconstructed extension tree using a dotted path converted to JSONPath
// ("$.a.b.c").
func MatchInner(ev *epcis.Event, path, want string) (bool, error) {
	return MatchInnerOp(ev, path, storage.FieldOpEq, want)
}

// MatchInnerOp evaluates any comparator of the <OP>_INNER_<path> family
// against ev's reconstructed extension tree. GE/GT/LE/LT require the
// resolved value and want to both parse as float64; a non-numeric value
// under a numeric comparator is treated as no match, not an error, the
// same way a missing path is.
func MatchInnerOp(ev *epcis.Event, path string, op storage.FieldOp, want string) (bool, error) {
	tree := ExtensionTree(ev)
	expr := "$." + strings.ReplaceAll(path, "_", ".")
	v, err := jsonpath.Get(expr, tree)
	if err != nil {
		return false, nil // path not present on this event: no match, not an error
	}

	if op == storage.FieldOpEq {
		return fmt.Sprintf("%v", v) == want, nil
	}

	got, ok := v.(float64)
	wantNum, werr := strconv.ParseFloat(want, 64)
	if !ok || werr != nil {
		return false, nil
	}
	switch op {
	case storage.FieldOpGE:
		return got >= wantNum, nil
	case storage.FieldOpGT:
		return got > wantNum, nil
	case storage.FieldOpLE:
		return got <= wantNum, nil
	case storage.FieldOpLT:
		return got < wantNum, nil
	default:
		return false, nil
	}
}
