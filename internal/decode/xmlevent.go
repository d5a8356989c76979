package decode

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
)

// DecodeXMLEvent turns one event element (already namespace-flat — the
// caller is responsible for hoisting EPCIS 1.x extension/baseExtension
// wrappers before calling this) into a canonical Event. knownChildren
// lists the element's first-class EPCIS children so everything else is
// treated as a foreign custom extension.
func DecodeXMLEvent(el AnyElement, knownChildren map[string]bool) (*epcis.Event, error) {
	evType := epcis.EventType(el.XMLName.Local)
	switch evType {
	case epcis.ObjectEvent, epcis.AggregationEvent, epcis.TransactionEvent,
		epcis.TransformationEvent, epcis.QuantityEvent:
	default:
		return nil, epciserr.MalformedDocument("unknown event element: " + el.XMLName.Local)
	}

	ev := &epcis.Event{Type: evType}

	if t := el.Child("eventTime"); t != nil {
		parsed, err := time.Parse(time.RFC3339Nano, t.Text())
		if err != nil {
			return nil, epciserr.MalformedDocument("eventTime: " + err.Error())
		}
		ev.EventTime = parsed.UTC()
	}
	if tz := el.Child("eventTimeZoneOffset"); tz != nil {
		ev.EventTimeZoneOffset = tz.Text()
	}
	if a := el.Child("action"); a != nil {
		ev.Action = epcis.Action(a.Text())
	}
	if v := el.Child("bizStep"); v != nil {
		ev.BusinessStep = v.Text()
	}
	if v := el.Child("disposition"); v != nil {
		ev.Disposition = v.Text()
	}
	if v := el.Child("readPoint"); v != nil {
		if id := v.Child("id"); id != nil {
			ev.ReadPoint = id.Text()
		} else {
			ev.ReadPoint = v.Text()
		}
	}
	if v := el.Child("bizLocation"); v != nil {
		if id := v.Child("id"); id != nil {
			ev.BusinessLocation = id.Text()
		} else {
			ev.BusinessLocation = v.Text()
		}
	}
	if v := el.Child("transformationID"); v != nil {
		ev.TransformationID = v.Text()
	}
	if v := el.Child("certificationInfo"); v != nil {
		ev.CertificationInfo = v.Text()
	}

	decodeXMLEpcs(el, ev)
	decodeXMLBizTransactions(el, ev)
	decodeXMLSourcesDestinations(el, ev)
	if err := decodeXMLSensorElements(el, ev); err != nil {
		return nil, err
	}
	decodeXMLPersistentDisposition(el, ev)

	nextIndex := 0
	if ilmd := el.Child("ilmd"); ilmd != nil {
		nodes := childNodesOf(*ilmd)
		var fields []epcis.Field
		fields, nextIndex = Flatten(nodes, epcis.FieldIlmd, nil, nextIndex)
		ev.Fields = append(ev.Fields, fields...)
	}
	if ext := el.Child("extension"); ext != nil {
		nodes := childNodesOf(*ext)
		var fields []epcis.Field
		fields, nextIndex = Flatten(nodes, epcis.FieldEventExtension, nil, nextIndex)
		ev.Fields = append(ev.Fields, fields...)
	}
	var foreign []Node
	for _, n := range el.Nodes {
		if !knownChildren[n.XMLName.Local] {
			foreign = append(foreign, ToNode(n))
		}
	}
	if len(foreign) > 0 {
		fields, _ := Flatten(foreign, epcis.FieldCustomField, nil, nextIndex)
		ev.Fields = append(ev.Fields, fields...)
	}

	return ev, nil
}

func childNodesOf(e AnyElement) []Node {
	nodes := make([]Node, 0, len(e.Nodes))
	for _, c := range e.Nodes {
		nodes = append(nodes, ToNode(c))
	}
	return nodes
}

func decodeXMLEpcs(el AnyElement, ev *epcis.Event) {
	if list := el.Child("epcList"); list != nil {
		for _, epc := range list.Children("epc") {
			ev.Epcs = append(ev.Epcs, epcis.Epc{Type: epcis.EpcList, ID: epc.Text()})
		}
	}
	if list := el.Child("childEPCs"); list != nil {
		for _, epc := range list.Children("epc") {
			ev.Epcs = append(ev.Epcs, epcis.Epc{Type: epcis.EpcChild, ID: epc.Text()})
		}
	}
	if parent := el.Child("parentID"); parent != nil {
		ev.Epcs = append(ev.Epcs, epcis.Epc{Type: epcis.EpcParent, ID: parent.Text()})
	}
	if list := el.Child("inputEPCList"); list != nil {
		for _, epc := range list.Children("epc") {
			ev.Epcs = append(ev.Epcs, epcis.Epc{Type: epcis.EpcInput, ID: epc.Text()})
		}
	}
	if list := el.Child("outputEPCList"); list != nil {
		for _, epc := range list.Children("epc") {
			ev.Epcs = append(ev.Epcs, epcis.Epc{Type: epcis.EpcOutput, ID: epc.Text()})
		}
	}
	for _, listName := range []string{"quantityList", "inputQuantityList", "outputQuantityList"} {
		if list := el.Child(listName); list != nil {
			for _, qe := range list.Children("quantityElement") {
				epcClass := ""
				if c := qe.Child("epcClass"); c != nil {
					epcClass = c.Text()
				}
				var qty *float64
				if q := qe.Child("quantity"); q != nil {
					if f, err := strconv.ParseFloat(q.Text(), 64); err == nil {
						qty = &f
					}
				}
				uom := ""
				if u := qe.Child("uom"); u != nil {
					uom = u.Text()
				}
				ev.Epcs = append(ev.Epcs, epcis.Epc{Type: epcis.EpcQuantity, ID: epcClass, Quantity: qty, UnitOfMeasure: uom})
			}
		}
	}
}

func decodeXMLBizTransactions(el AnyElement, ev *epcis.Event) {
	list := el.Child("bizTransactionList")
	if list == nil {
		return
	}
	for _, bt := range list.Children("bizTransaction") {
		ev.BusinessTransactions = append(ev.BusinessTransactions, epcis.BusinessTransaction{
			Type: bt.Attr("type"), ID: bt.Text(),
		})
	}
}

func decodeXMLSourcesDestinations(el AnyElement, ev *epcis.Event) {
	if list := el.Child("sourceList"); list != nil {
		for _, s := range list.Children("source") {
			ev.Sources = append(ev.Sources, epcis.Source{Type: s.Attr("type"), ID: s.Text()})
		}
	}
	if list := el.Child("destinationList"); list != nil {
		for _, d := range list.Children("destination") {
			ev.Destinations = append(ev.Destinations, epcis.Destination{Type: d.Attr("type"), ID: d.Text()})
		}
	}
}

func decodeXMLPersistentDisposition(el AnyElement, ev *epcis.Event) {
	pd := el.Child("persistentDisposition")
	if pd == nil {
		return
	}
	p := epcis.PersistentDisposition{}
	for _, s := range pd.Children("set") {
		p.Set = append(p.Set, s.Text())
	}
	for _, u := range pd.Children("unset") {
		p.Unset = append(p.Unset, u.Text())
	}
	ev.PersistentDispositions = append(ev.PersistentDispositions, p)
}

func decodeXMLSensorElements(el AnyElement, ev *epcis.Event) error {
	list := el.Child("sensorElementList")
	if list == nil {
		return nil
	}
	for i, se := range list.Children("sensorElement") {
		ev.SensorElements = append(ev.SensorElements, epcis.SensorElement{Index: i})
		entityIndex := i

		if meta := se.Child("sensorMetadata"); meta != nil {
			nodes := childNodesOf(*meta)
			fields, _ := Flatten(nodes, epcis.FieldSensorElementExtension, &entityIndex, 0)
			ev.Fields = append(ev.Fields, fields...)
		}

		reportList := se.Child("sensorReportList")
		if reportList == nil {
			continue
		}
		for _, sr := range reportList.Children("sensorReport") {
			report := epcis.SensorReport{
				SensorIndex: i,
				Type:        sr.Attr("type"),
				DeviceID:    sr.Attr("deviceID"),
				UOM:         sr.Attr("uom"),
			}
			if v := sr.Attr("value"); v != "" {
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return epciserr.MalformedDocument(fmt.Sprintf("sensorReport value: %v", err))
				}
				report.Value = &f
			}
			report.MinValue = parseOptFloat(sr.Attr("minValue"))
			report.MaxValue = parseOptFloat(sr.Attr("maxValue"))
			report.MeanValue = parseOptFloat(sr.Attr("meanValue"))
			report.PercRank = parseOptFloat(sr.Attr("percRank"))
			if t := sr.Attr("time"); t != "" {
				if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
					utc := parsed.UTC()
					report.Time = &utc
				}
			}
			ev.SensorReports = append(ev.SensorReports, report)
		}
	}
	return nil
}

func parseOptFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return &f
	}
	return nil
}

// HoistWrappers recursively replaces any "baseExtension" child with its
// own children spliced in at the same position (EPCIS 1.x's transparent
// wrapper rule). "extension" elements are not hoisted: they are returned
// in place as ordinary nodes at every nesting level.
func HoistWrappers(nodes []AnyElement) []AnyElement {
	var out []AnyElement
	for _, n := range nodes {
		if n.XMLName.Local == "baseExtension" {
			out = append(out, HoistWrappers(n.Nodes)...)
			continue
		}
		out = append(out, n)
	}
	return out
}
