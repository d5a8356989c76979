// Package xml serializes the canonical epcis.Capture aggregate back to
// EPCIS 1.2 or 2.0 XML. It reconstructs each event's Field DFS tree via
// epcis.Event.FieldsByParent's O(n) bucketing rather than a per-child
// linear scan (spec §4.7 explicitly forbids the latter).
package xml

import (
	"bytes"
	"encoding/xml"
	"strconv"

	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
)

// element is the generic writer-side counterpart of decode.AnyElement:
// a name, attributes and either text or children, marshaled with the
// stdlib encoder since no XML-builder library is in the example pack.
type element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",attr"`
	Text     string     `xml:",chardata"`
	Children []element  `xml:",any"`
}

func el(name string, children ...element) element {
	return element{XMLName: xml.Name{Local: name}, Children: children}
}

func leaf(name, text string) element {
	return element{XMLName: xml.Name{Local: name}, Text: text}
}

// Encode12 renders cap as an EPCIS 1.0/1.1/1.2 EPCISDocument.
func Encode12(cap *epcis.Capture) ([]byte, error) {
	return encode(cap, true)
}

// Encode20 renders cap as an EPCIS 2.0 EPCISDocument.
func Encode20(cap *epcis.Capture) ([]byte, error) {
	return encode(cap, false)
}

func encode(cap *epcis.Capture, legacy bool) ([]byte, error) {
	version := cap.SchemaVersion
	if version == "" {
		if legacy {
			version = "1.2"
		} else {
			version = "2.0"
		}
	}

	var events []element
	for i := range cap.Events {
		ev, err := encodeEvent(&cap.Events[i], legacy)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	doc := element{
		XMLName: xml.Name{Local: "epcis:EPCISDocument"},
		Attrs: []xml.Attr{
			{Name: xml.Name{Local: "xmlns:epcis"}, Value: epcisNamespace(legacy)},
			{Name: xml.Name{Local: "schemaVersion"}, Value: version},
			{Name: xml.Name{Local: "creationDate"}, Value: cap.DocumentTime.UTC().Format("2006-01-02T15:04:05.000Z")},
		},
		Children: []element{
			el("EPCISBody", el("EventList", events...)),
		},
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, epciserr.StorageError(err)
	}
	return buf.Bytes(), nil
}

func epcisNamespace(legacy bool) string {
	if legacy {
		return "urn:epcglobal:epcis:xsd:1"
	}
	return "urn:epcglobal:epcis:xsd:2"
}

func encodeEvent(ev *epcis.Event, legacy bool) (element, error) {
	out := el(string(ev.Type))
	out.Children = append(out.Children,
		leaf("eventTime", ev.EventTime.UTC().Format("2006-01-02T15:04:05.000Z")),
	)
	if ev.EventTimeZoneOffset != "" {
		out.Children = append(out.Children, leaf("eventTimeZoneOffset", ev.EventTimeZoneOffset))
	}

	out.Children = append(out.Children, encodeEpcLists(ev)...)

	if ev.Action != "" {
		out.Children = append(out.Children, leaf("action", string(ev.Action)))
	}
	out.Children = append(out.Children, encodeBizTransactions(ev)...)

	if len(ev.Epcs) > 0 || ev.Type == epcis.AggregationEvent || ev.Type == epcis.TransactionEvent {
		out.Children = append(out.Children, encodeSourcesDestinations(ev)...)
	}

	if ev.BusinessStep != "" {
		out.Children = append(out.Children, leaf("bizStep", ev.BusinessStep))
	}
	if ev.Disposition != "" {
		out.Children = append(out.Children, leaf("disposition", ev.Disposition))
	}
	if ev.ReadPoint != "" {
		out.Children = append(out.Children, el("readPoint", leaf("id", ev.ReadPoint)))
	}
	if ev.BusinessLocation != "" {
		out.Children = append(out.Children, el("bizLocation", leaf("id", ev.BusinessLocation)))
	}

	if !legacy {
		if pd := encodePersistentDisposition(ev); pd != nil {
			out.Children = append(out.Children, *pd)
		}
	}

	if sensors, err := encodeSensorElements(ev); err != nil {
		return element{}, err
	} else if sensors != nil {
		out.Children = append(out.Children, *sensors)
	}

	if ev.TransformationID != "" {
		out.Children = append(out.Children, leaf("transformationID", ev.TransformationID))
	}

	if ilmd := encodeFieldSubtree(ev, epcis.FieldIlmd, nil, "ilmd"); ilmd != nil {
		out.Children = append(out.Children, *ilmd)
	}
	if ext := encodeFieldSubtree(ev, epcis.FieldEventExtension, nil, extensionWrapperName(legacy)); ext != nil {
		out.Children = append(out.Children, *ext)
	}
	out.Children = append(out.Children, encodeCustomFields(ev)...)

	if ev.CertificationInfo != "" {
		out.Children = append(out.Children, leaf("certificationInfo", ev.CertificationInfo))
	}

	return out, nil
}

// extensionWrapperName returns the element name an event-level extension
// subtree is nested under. EPCIS 1.x callers are expected to have already
// decided whether to emit a bare <extension> or wrap it in <baseExtension>
// on ingestion; re-encoding always uses the transparent <extension> form
// since wrapper choice carries no semantic meaning once hoisted.
func extensionWrapperName(legacy bool) string {
	return "extension"
}

func encodeEpcLists(ev *epcis.Event) []element {
	var out []element
	if list := ev.EpcsOfType(epcis.EpcList); len(list) > 0 {
		var epcs []element
		for _, e := range list {
			epcs = append(epcs, leaf("epc", e.ID))
		}
		out = append(out, el("epcList", epcs...))
	}
	if list := ev.EpcsOfType(epcis.EpcChild); len(list) > 0 {
		var epcs []element
		for _, e := range list {
			epcs = append(epcs, leaf("epc", e.ID))
		}
		out = append(out, el("childEPCs", epcs...))
	}
	if list := ev.EpcsOfType(epcis.EpcParent); len(list) > 0 {
		out = append(out, leaf("parentID", list[0].ID))
	}
	if list := ev.EpcsOfType(epcis.EpcInput); len(list) > 0 {
		var epcs []element
		for _, e := range list {
			epcs = append(epcs, leaf("epc", e.ID))
		}
		out = append(out, el("inputEPCList", epcs...))
	}
	if list := ev.EpcsOfType(epcis.EpcOutput); len(list) > 0 {
		var epcs []element
		for _, e := range list {
			epcs = append(epcs, leaf("epc", e.ID))
		}
		out = append(out, el("outputEPCList", epcs...))
	}
	if list := ev.EpcsOfType(epcis.EpcQuantity); len(list) > 0 {
		listName := "quantityList"
		if ev.Type == epcis.TransformationEvent {
			listName = "inputQuantityList"
		}
		var qes []element
		for _, e := range list {
			qe := el("quantityElement", leaf("epcClass", e.ID))
			if e.Quantity != nil {
				qe.Children = append(qe.Children, leaf("quantity", strconv.FormatFloat(*e.Quantity, 'f', -1, 64)))
			}
			if e.UnitOfMeasure != "" {
				qe.Children = append(qe.Children, leaf("uom", e.UnitOfMeasure))
			}
			qes = append(qes, qe)
		}
		out = append(out, el(listName, qes...))
	}
	return out
}

func encodeBizTransactions(ev *epcis.Event) []element {
	if len(ev.BusinessTransactions) == 0 {
		return nil
	}
	var items []element
	for _, bt := range ev.BusinessTransactions {
		items = append(items, element{
			XMLName: xml.Name{Local: "bizTransaction"},
			Attrs:   []xml.Attr{{Name: xml.Name{Local: "type"}, Value: bt.Type}},
			Text:    bt.ID,
		})
	}
	return []element{el("bizTransactionList", items...)}
}

func encodeSourcesDestinations(ev *epcis.Event) []element {
	var out []element
	if len(ev.Sources) > 0 {
		var items []element
		for _, s := range ev.Sources {
			items = append(items, element{
				XMLName: xml.Name{Local: "source"},
				Attrs:   []xml.Attr{{Name: xml.Name{Local: "type"}, Value: s.Type}},
				Text:    s.ID,
			})
		}
		out = append(out, el("sourceList", items...))
	}
	if len(ev.Destinations) > 0 {
		var items []element
		for _, d := range ev.Destinations {
			items = append(items, element{
				XMLName: xml.Name{Local: "destination"},
				Attrs:   []xml.Attr{{Name: xml.Name{Local: "type"}, Value: d.Type}},
				Text:    d.ID,
			})
		}
		out = append(out, el("destinationList", items...))
	}
	return out
}

func encodePersistentDisposition(ev *epcis.Event) *element {
	if len(ev.PersistentDispositions) == 0 {
		return nil
	}
	p := ev.PersistentDispositions[0]
	out := el("persistentDisposition")
	for _, s := range p.Set {
		out.Children = append(out.Children, leaf("set", s))
	}
	for _, u := range p.Unset {
		out.Children = append(out.Children, leaf("unset", u))
	}
	return &out
}

func encodeSensorElements(ev *epcis.Event) (*element, error) {
	if len(ev.SensorElements) == 0 {
		return nil, nil
	}
	buckets := ev.FieldsByParent()
	var elements []element
	for _, se := range ev.SensorElements {
		seEl := el("sensorElement")
		if meta := encodeFieldSubtreeFromBuckets(buckets, epcis.FieldSensorElementExtension, se.Index, "sensorMetadata"); meta != nil {
			seEl.Children = append(seEl.Children, *meta)
		}

		var reports []element
		for _, r := range ev.SensorReports {
			if r.SensorIndex != se.Index {
				continue
			}
			report := element{XMLName: xml.Name{Local: "sensorReport"}}
			addAttr := func(name, value string) {
				report.Attrs = append(report.Attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
			}
			if r.Type != "" {
				addAttr("type", r.Type)
			}
			if r.DeviceID != "" {
				addAttr("deviceID", r.DeviceID)
			}
			if r.UOM != "" {
				addAttr("uom", r.UOM)
			}
			if r.Value != nil {
				addAttr("value", strconv.FormatFloat(*r.Value, 'f', -1, 64))
			}
			if r.MinValue != nil {
				addAttr("minValue", strconv.FormatFloat(*r.MinValue, 'f', -1, 64))
			}
			if r.MaxValue != nil {
				addAttr("maxValue", strconv.FormatFloat(*r.MaxValue, 'f', -1, 64))
			}
			if r.MeanValue != nil {
				addAttr("meanValue", strconv.FormatFloat(*r.MeanValue, 'f', -1, 64))
			}
			if r.PercRank != nil {
				addAttr("percRank", strconv.FormatFloat(*r.PercRank, 'f', -1, 64))
			}
			if r.Time != nil {
				addAttr("time", r.Time.UTC().Format("2006-01-02T15:04:05.000Z"))
			}
			reports = append(reports, report)
		}
		if len(reports) > 0 {
			seEl.Children = append(seEl.Children, el("sensorReportList", reports...))
		}
		elements = append(elements, seEl)
	}
	out := el("sensorElementList", elements...)
	return &out, nil
}

// encodeFieldSubtree reconstructs the named wrapper element for one
// (fieldType, entity) partition of ev's Fields.
func encodeFieldSubtree(ev *epcis.Event, fieldType epcis.FieldType, entityIndex *int, wrapperName string) *element {
	entity := -1
	if entityIndex != nil {
		entity = *entityIndex
	}
	return encodeFieldSubtreeFromBuckets(ev.FieldsByParent(), fieldType, entity, wrapperName)
}

func encodeFieldSubtreeFromBuckets(buckets map[epcis.FieldBucketKey][]epcis.Field, fieldType epcis.FieldType, entity int, wrapperName string) *element {
	var roots []epcis.Field
	for _, f := range buckets[epcis.RootKey(entity)] {
		if f.Type == fieldType {
			roots = append(roots, f)
		}
	}
	if len(roots) == 0 {
		return nil
	}
	out := el(wrapperName)
	for _, f := range roots {
		out.Children = append(out.Children, buildFieldElement(f, buckets))
	}
	return &out
}

func buildFieldElement(f epcis.Field, buckets map[epcis.FieldBucketKey][]epcis.Field) element {
	e := element{XMLName: xml.Name{Space: f.Namespace, Local: f.Name}}
	children := buckets[epcis.ChildKey(f)]
	var attrs, nested []epcis.Field
	for _, c := range children {
		if c.Type == epcis.FieldAttribute {
			attrs = append(attrs, c)
		} else {
			nested = append(nested, c)
		}
	}
	for _, a := range attrs {
		e.Attrs = append(e.Attrs, xml.Attr{Name: xml.Name{Space: a.Namespace, Local: a.Name}, Value: fieldText(a)})
	}
	if len(nested) > 0 {
		for _, c := range nested {
			e.Children = append(e.Children, buildFieldElement(c, buckets))
		}
	} else {
		e.Text = fieldText(f)
	}
	return e
}

func fieldText(f epcis.Field) string {
	switch {
	case f.TextValue != nil:
		return *f.TextValue
	case f.NumericValue != nil:
		return strconv.FormatFloat(*f.NumericValue, 'f', -1, 64)
	case f.DateValue != nil:
		return f.DateValue.UTC().Format("2006-01-02T15:04:05.000Z")
	default:
		return ""
	}
}

func encodeCustomFields(ev *epcis.Event) []element {
	buckets := ev.FieldsByParent()
	var roots []epcis.Field
	for _, f := range buckets[epcis.RootKey(-1)] {
		if f.Type == epcis.FieldCustomField {
			roots = append(roots, f)
		}
	}
	var out []element
	for _, f := range roots {
		out = append(out, buildFieldElement(f, buckets))
	}
	return out
}
