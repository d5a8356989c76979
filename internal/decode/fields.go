package decode

import "github.com/Robert-Freire/epcis/internal/epcis"

// Node is the decoder-agnostic intermediate representation of one element
// (or JSON-LD property) inside a hierarchical extension subtree. Both the
// XML and JSON-LD decoders build a []Node tree and hand it to Flatten,
// which is the one place that assigns (index, parentIndex) — keeping the
// non-trivial part of spec §4.1 step 4 in a single, well-tested spot.
type Node struct {
	Namespace string
	Name      string
	Text      string // leaf text; ignored if Children is non-empty
	Attrs     []Node // become Fields tagged FieldAttribute sharing this node's index as parentIndex
	Children  []Node
}

// Flatten performs the DFS walk spec §4.1 step 4 describes: it assigns a
// monotonically increasing index starting at nextIndex, records
// parentIndex for every child and attribute, and speculatively parses
// every leaf's text three ways. entityIndex, when non-nil, binds every
// produced Field to the owning SensorElement/SensorReport.
func Flatten(nodes []Node, fieldType epcis.FieldType, entityIndex *int, nextIndex int) ([]epcis.Field, int) {
	var out []epcis.Field
	for _, n := range nodes {
		idx := nextIndex
		nextIndex++

		f := epcis.Field{
			Type: fieldType, Namespace: n.Namespace, Name: n.Name,
			Index: idx, EntityIndex: entityIndex,
		}
		if len(n.Children) == 0 {
			text := n.Text
			f.TextValue = &text
			f.NumericValue, f.DateValue = SpeculativeParse(text)
		}
		out = append(out, f)

		for _, a := range n.Attrs {
			aIdx := nextIndex
			nextIndex++
			parent := idx
			text := a.Text
			numeric, date := SpeculativeParse(text)
			out = append(out, epcis.Field{
				Type: epcis.FieldAttribute, Namespace: a.Namespace, Name: a.Name,
				Index: aIdx, ParentIndex: &parent, EntityIndex: entityIndex,
				TextValue: &text, NumericValue: numeric, DateValue: date,
			})
		}

		if len(n.Children) > 0 {
			parent := idx
			var children []epcis.Field
			children, nextIndex = Flatten(n.Children, fieldType, entityIndex, nextIndex)
			for i := range children {
				if children[i].ParentIndex == nil {
					children[i].ParentIndex = &parent
				}
			}
			out = append(out, children...)
		}
	}
	return out, nextIndex
}
