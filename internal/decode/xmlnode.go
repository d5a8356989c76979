package decode

import "encoding/xml"

// AnyElement captures an arbitrary XML element generically: its name,
// attributes, character data and child elements. Unmarshaling the whole
// document into a tree of AnyElement lets both XML decoders walk known
// EPCIS elements by name while treating anything else (extension
// subtrees, foreign namespaces) uniformly, without a second parser.
type AnyElement struct {
	XMLName xml.Name
	Attrs   []xml.Attr   `xml:",any,attr"`
	Content string       `xml:",chardata"`
	Nodes   []AnyElement `xml:",any"`
}

// Child returns the first child element named local, regardless of
// namespace, or nil if none exists.
func (e *AnyElement) Child(local string) *AnyElement {
	for i := range e.Nodes {
		if e.Nodes[i].XMLName.Local == local {
			return &e.Nodes[i]
		}
	}
	return nil
}

// Children returns every child element named local, in document order.
func (e *AnyElement) Children(local string) []AnyElement {
	var out []AnyElement
	for _, n := range e.Nodes {
		if n.XMLName.Local == local {
			out = append(out, n)
		}
	}
	return out
}

// Text returns the element's trimmed character data.
func (e *AnyElement) Text() string {
	return trimSpace(e.Content)
}

// Attr returns the named attribute's value, or "".
func (e *AnyElement) Attr(local string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' }

// ToNode converts an AnyElement subtree into the decoder-neutral Node tree
// Flatten consumes, used for ILMD/extension subtrees whose children are
// NOT among the known EPCIS child elements of their container.
func ToNode(e AnyElement) Node {
	n := Node{Namespace: e.XMLName.Space, Name: e.XMLName.Local}
	for _, a := range e.Attrs {
		n.Attrs = append(n.Attrs, Node{Namespace: a.Name.Space, Name: a.Name.Local, Text: a.Value})
	}
	if len(e.Nodes) == 0 {
		n.Text = trimSpace(e.Content)
		return n
	}
	for _, c := range e.Nodes {
		n.Children = append(n.Children, ToNode(c))
	}
	return n
}
