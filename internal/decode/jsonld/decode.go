// Package jsonld decodes EPCIS 2.0 JSON/JSON-LD documents into the
// canonical epcis.Capture aggregate. Unlike the XML decoders, JSON-LD
// has no attribute/element distinction and needs the document's
// @context to resolve prefixed custom property names (e.g.
// "example:temperature") to a (namespace, localName) pair before they
// can be flattened into Fields (spec §4.1 step 6).
package jsonld

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Robert-Freire/epcis/internal/decode"
	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
	"github.com/tidwall/gjson"
)

var knownEventFields = map[string]bool{
	"type": true, "eventTime": true, "eventTimeZoneOffset": true, "recordTime": true,
	"action": true, "bizStep": true, "disposition": true, "readPoint": true,
	"bizLocation": true, "epcList": true, "childEPCs": true, "parentID": true,
	"inputEPCList": true, "outputEPCList": true, "quantityList": true,
	"inputQuantityList": true, "outputQuantityList": true,
	"bizTransactionList": true, "sourceList": true, "destinationList": true,
	"sensorElementList": true, "persistentDisposition": true, "ilmd": true,
	"extension": true, "transformationID": true, "certificationInfo": true,
	"errorDeclaration": true, "eventID": true,
}

// Decode parses data (an EPCISDocument JSON-LD object) into a Capture.
func Decode(data []byte, maxBytes int64) (*epcis.Capture, error) {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, epciserr.OversizedDocument(maxBytes, int64(len(data)))
	}
	if !gjson.ValidBytes(data) {
		return nil, epciserr.MalformedDocument("invalid JSON")
	}

	root := gjson.ParseBytes(data)

	version := root.Get("schemaVersion").String()
	if version == "" {
		version = "2.0"
	}
	if version != "2.0" {
		return nil, epciserr.UnsupportedVersion(version)
	}

	ns, err := parseContext(root.Get("@context"))
	if err != nil {
		return nil, err
	}

	cap := &epcis.Capture{SchemaVersion: version}
	if ts := root.Get("creationDate").String(); ts != "" {
		t, perr := time.Parse(time.RFC3339Nano, ts)
		if perr != nil {
			return nil, epciserr.MalformedDocument("creationDate: " + perr.Error())
		}
		cap.DocumentTime = t.UTC()
	}

	events := root.Get("epcisBody.eventList")
	if !events.IsArray() {
		return nil, epciserr.MalformedDocument("epcisBody.eventList is not an array")
	}
	var outerErr error
	events.ForEach(func(_, ev gjson.Result) bool {
		decoded, derr := decodeEvent(ev, ns)
		if derr != nil {
			outerErr = derr
			return false
		}
		cap.Events = append(cap.Events, *decoded)
		return true
	})
	if outerErr != nil {
		return nil, outerErr
	}

	return cap, nil
}

// parseContext flattens the document's @context into a prefix -> IRI map.
// @context may be a single object or an array mixing strings (external
// context URLs, ignored here) and objects of prefix: IRI pairs.
func parseContext(ctx gjson.Result) (map[string]string, error) {
	ns := map[string]string{}
	add := func(obj gjson.Result) {
		obj.ForEach(func(k, v gjson.Result) bool {
			if v.Type == gjson.String {
				ns[k.String()] = v.String()
			}
			return true
		})
	}
	switch {
	case ctx.IsArray():
		ctx.ForEach(func(_, item gjson.Result) bool {
			if item.IsObject() {
				add(item)
			}
			return true
		})
	case ctx.IsObject():
		add(ctx)
	}
	return ns, nil
}

func decodeEvent(ev gjson.Result, ns map[string]string) (*epcis.Event, error) {
	typeName := ev.Get("type").String()
	if typeName == "" {
		typeName = ev.Get("isA").String()
	}
	evType := epcis.EventType(typeName)
	switch evType {
	case epcis.ObjectEvent, epcis.AggregationEvent, epcis.TransactionEvent,
		epcis.TransformationEvent, epcis.QuantityEvent:
	default:
		return nil, epciserr.MalformedDocument("unknown event type: " + typeName)
	}

	out := &epcis.Event{Type: evType}

	if v := ev.Get("eventTime"); v.Exists() {
		t, err := time.Parse(time.RFC3339Nano, v.String())
		if err != nil {
			return nil, epciserr.MalformedDocument("eventTime: " + err.Error())
		}
		out.EventTime = t.UTC()
	}
	out.EventTimeZoneOffset = ev.Get("eventTimeZoneOffset").String()
	out.Action = epcis.Action(ev.Get("action").String())
	out.BusinessStep = ev.Get("bizStep").String()
	out.Disposition = ev.Get("disposition").String()
	if v := ev.Get("readPoint.id"); v.Exists() {
		out.ReadPoint = v.String()
	} else {
		out.ReadPoint = ev.Get("readPoint").String()
	}
	if v := ev.Get("bizLocation.id"); v.Exists() {
		out.BusinessLocation = v.String()
	} else {
		out.BusinessLocation = ev.Get("bizLocation").String()
	}
	out.TransformationID = ev.Get("transformationID").String()
	out.CertificationInfo = ev.Get("certificationInfo").String()

	decodeEpcs(ev, out)
	decodeBizTransactions(ev, out)
	decodeSourcesDestinations(ev, out)
	if err := decodeSensorElements(ev, out); err != nil {
		return nil, err
	}
	decodePersistentDisposition(ev, out)

	nextIndex := 0
	if ilmd := ev.Get("ilmd"); ilmd.Exists() {
		nodes := objectToNodes(ilmd, ns)
		var fields []epcis.Field
		fields, nextIndex = decode.Flatten(nodes, epcis.FieldIlmd, nil, nextIndex)
		out.Fields = append(out.Fields, fields...)
	}
	if ext := ev.Get("extension"); ext.Exists() {
		nodes := objectToNodes(ext, ns)
		var fields []epcis.Field
		fields, nextIndex = decode.Flatten(nodes, epcis.FieldEventExtension, nil, nextIndex)
		out.Fields = append(out.Fields, fields...)
	}

	var foreign []decode.Node
	if ev.IsObject() {
		ev.ForEach(func(k, v gjson.Result) bool {
			key := k.String()
			if knownEventFields[key] {
				return true
			}
			foreign = append(foreign, valueToNode(key, v, ns))
			return true
		})
	}
	if len(foreign) > 0 {
		fields, _ := decode.Flatten(foreign, epcis.FieldCustomField, nil, nextIndex)
		out.Fields = append(out.Fields, fields...)
	}

	return out, nil
}

func decodeEpcs(ev gjson.Result, out *epcis.Event) {
	appendList := func(path string, t epcis.EpcType) {
		ev.Get(path).ForEach(func(_, epc gjson.Result) bool {
			out.Epcs = append(out.Epcs, epcis.Epc{Type: t, ID: epc.Get("epc").String()})
			return true
		})
	}
	appendList("epcList", epcis.EpcList)
	appendList("childEPCs", epcis.EpcChild)
	appendList("inputEPCList", epcis.EpcInput)
	appendList("outputEPCList", epcis.EpcOutput)
	if v := ev.Get("parentID"); v.Exists() {
		out.Epcs = append(out.Epcs, epcis.Epc{Type: epcis.EpcParent, ID: v.String()})
	}
	for _, listName := range []string{"quantityList", "inputQuantityList", "outputQuantityList"} {
		ev.Get(listName).ForEach(func(_, qe gjson.Result) bool {
			var qty *float64
			if q := qe.Get("quantity"); q.Exists() {
				f := q.Float()
				qty = &f
			}
			out.Epcs = append(out.Epcs, epcis.Epc{
				Type: epcis.EpcQuantity, ID: qe.Get("epcClass").String(),
				Quantity: qty, UnitOfMeasure: qe.Get("uom").String(),
			})
			return true
		})
	}
}

func decodeBizTransactions(ev gjson.Result, out *epcis.Event) {
	ev.Get("bizTransactionList").ForEach(func(_, bt gjson.Result) bool {
		out.BusinessTransactions = append(out.BusinessTransactions, epcis.BusinessTransaction{
			Type: bt.Get("type").String(), ID: bt.Get("bizTransaction").String(),
		})
		return true
	})
}

func decodeSourcesDestinations(ev gjson.Result, out *epcis.Event) {
	ev.Get("sourceList").ForEach(func(_, s gjson.Result) bool {
		out.Sources = append(out.Sources, epcis.Source{Type: s.Get("type").String(), ID: s.Get("source").String()})
		return true
	})
	ev.Get("destinationList").ForEach(func(_, d gjson.Result) bool {
		out.Destinations = append(out.Destinations, epcis.Destination{Type: d.Get("type").String(), ID: d.Get("destination").String()})
		return true
	})
}

func decodePersistentDisposition(ev gjson.Result, out *epcis.Event) {
	pd := ev.Get("persistentDisposition")
	if !pd.Exists() {
		return
	}
	p := epcis.PersistentDisposition{}
	pd.Get("set").ForEach(func(_, v gjson.Result) bool { p.Set = append(p.Set, v.String()); return true })
	pd.Get("unset").ForEach(func(_, v gjson.Result) bool { p.Unset = append(p.Unset, v.String()); return true })
	out.PersistentDispositions = append(out.PersistentDispositions, p)
}

func decodeSensorElements(ev gjson.Result, out *epcis.Event) error {
	list := ev.Get("sensorElementList")
	if !list.Exists() {
		return nil
	}
	var outerErr error
	i := 0
	list.ForEach(func(_, se gjson.Result) bool {
		out.SensorElements = append(out.SensorElements, epcis.SensorElement{Index: i})
		entityIndex := i

		if meta := se.Get("sensorMetadata"); meta.Exists() {
			nodes := objectToNodes(meta, nil)
			fields, _ := decode.Flatten(nodes, epcis.FieldSensorElementExtension, &entityIndex, 0)
			out.Fields = append(out.Fields, fields...)
		}

		se.Get("sensorReport").ForEach(func(_, sr gjson.Result) bool {
			report := epcis.SensorReport{
				SensorIndex: i,
				Type:        sr.Get("type").String(),
				DeviceID:    sr.Get("deviceID").String(),
				UOM:         sr.Get("uom").String(),
			}
			if v := sr.Get("value"); v.Exists() {
				f := v.Float()
				report.Value = &f
			}
			report.MinValue = optFloat(sr.Get("minValue"))
			report.MaxValue = optFloat(sr.Get("maxValue"))
			report.MeanValue = optFloat(sr.Get("meanValue"))
			report.PercRank = optFloat(sr.Get("percRank"))
			if t := sr.Get("time"); t.Exists() {
				if parsed, err := time.Parse(time.RFC3339Nano, t.String()); err == nil {
					utc := parsed.UTC()
					report.Time = &utc
				} else {
					outerErr = epciserr.MalformedDocument(fmt.Sprintf("sensorReport.time: %v", err))
					return false
				}
			}
			out.SensorReports = append(out.SensorReports, report)
			return true
		})
		i++
		return outerErr == nil
	})
	return outerErr
}

func optFloat(r gjson.Result) *float64 {
	if !r.Exists() {
		return nil
	}
	f := r.Float()
	return &f
}

// objectToNodes converts a JSON object's own properties into a []Node,
// resolving any "prefix:local" keys against ns.
func objectToNodes(obj gjson.Result, ns map[string]string) []decode.Node {
	var nodes []decode.Node
	obj.ForEach(func(k, v gjson.Result) bool {
		nodes = append(nodes, valueToNode(k.String(), v, ns))
		return true
	})
	return nodes
}

func valueToNode(key string, v gjson.Result, ns map[string]string) decode.Node {
	namespace, local := resolveName(key, ns)
	n := decode.Node{Namespace: namespace, Name: local}
	switch {
	case v.IsObject():
		n.Children = objectToNodes(v, ns)
	case v.IsArray():
		v.ForEach(func(_, item gjson.Result) bool {
			if item.IsObject() {
				n.Children = append(n.Children, decode.Node{Namespace: namespace, Name: local, Children: objectToNodes(item, ns)})
			} else {
				n.Children = append(n.Children, decode.Node{Namespace: namespace, Name: local, Text: scalarText(item)})
			}
			return true
		})
	default:
		n.Text = scalarText(v)
	}
	return n
}

func scalarText(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return v.String()
	case gjson.Number:
		return strconv.FormatFloat(v.Float(), 'f', -1, 64)
	case gjson.True:
		return "true"
	case gjson.False:
		return "false"
	default:
		return v.Raw
	}
}

// resolveName splits a JSON-LD property name on its first colon and
// resolves the prefix against ns; unprefixed or unresolvable prefixes
// are returned verbatim as the name with an empty namespace.
func resolveName(key string, ns map[string]string) (namespace, local string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			prefix, rest := key[:i], key[i+1:]
			if iri, ok := ns[prefix]; ok {
				return iri, rest
			}
			return "", key
		}
	}
	return "", key
}
