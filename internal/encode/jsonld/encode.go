// Package jsonld serializes the canonical epcis.Capture aggregate back to
// EPCIS 2.0 JSON-LD, generating namespace prefixes (ext1, ext2, ...) for
// any Field namespace encountered and declaring them in the document's
// @context.
package jsonld

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/Robert-Freire/epcis/internal/epcis"
)

const baseContext = "https://ref.gs1.org/standards/epcis/2.0.0/epcis-context.jsonld"

// Encode renders cap as an EPCISDocument JSON-LD object.
func Encode(cap *epcis.Capture) ([]byte, error) {
	ns := &namespaceTable{prefixes: map[string]string{}}

	var events []map[string]interface{}
	for i := range cap.Events {
		events = append(events, encodeEvent(&cap.Events[i], ns))
	}

	doc := map[string]interface{}{
		"@context":      ns.contextValue(),
		"type":          "EPCISDocument",
		"schemaVersion": valueOrDefault(cap.SchemaVersion, "2.0"),
		"creationDate":  cap.DocumentTime.UTC().Format("2006-01-02T15:04:05.000Z"),
		"epcisBody": map[string]interface{}{
			"eventList": events,
		},
	}
	return json.MarshalIndent(doc, "", "  ")
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// namespaceTable assigns a stable "extN" prefix to each custom namespace
// encountered during encoding, in first-seen order, and renders the
// @context object the prefixes must be declared in.
type namespaceTable struct {
	order    []string
	prefixes map[string]string
}

func (t *namespaceTable) prefixFor(namespace string) string {
	if namespace == "" {
		return ""
	}
	if p, ok := t.prefixes[namespace]; ok {
		return p
	}
	p := "ext" + strconv.Itoa(len(t.order)+1)
	t.prefixes[namespace] = p
	t.order = append(t.order, namespace)
	return p
}

func (t *namespaceTable) contextValue() interface{} {
	ctx := map[string]interface{}{}
	for _, ns := range t.order {
		ctx[t.prefixes[ns]] = ns
	}
	return []interface{}{baseContext, ctx}
}

func encodeEvent(ev *epcis.Event, ns *namespaceTable) map[string]interface{} {
	out := map[string]interface{}{
		"type":      string(ev.Type),
		"eventTime": ev.EventTime.UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	if ev.EventTimeZoneOffset != "" {
		out["eventTimeZoneOffset"] = ev.EventTimeZoneOffset
	}

	encodeEpcLists(ev, out)

	if ev.Action != "" {
		out["action"] = string(ev.Action)
	}
	if len(ev.BusinessTransactions) > 0 {
		var list []map[string]interface{}
		for _, bt := range ev.BusinessTransactions {
			list = append(list, map[string]interface{}{"type": bt.Type, "bizTransaction": bt.ID})
		}
		out["bizTransactionList"] = list
	}
	if len(ev.Sources) > 0 {
		var list []map[string]interface{}
		for _, s := range ev.Sources {
			list = append(list, map[string]interface{}{"type": s.Type, "source": s.ID})
		}
		out["sourceList"] = list
	}
	if len(ev.Destinations) > 0 {
		var list []map[string]interface{}
		for _, d := range ev.Destinations {
			list = append(list, map[string]interface{}{"type": d.Type, "destination": d.ID})
		}
		out["destinationList"] = list
	}

	if ev.BusinessStep != "" {
		out["bizStep"] = ev.BusinessStep
	}
	if ev.Disposition != "" {
		out["disposition"] = ev.Disposition
	}
	if ev.ReadPoint != "" {
		out["readPoint"] = map[string]interface{}{"id": ev.ReadPoint}
	}
	if ev.BusinessLocation != "" {
		out["bizLocation"] = map[string]interface{}{"id": ev.BusinessLocation}
	}
	if pd := encodePersistentDisposition(ev); pd != nil {
		out["persistentDisposition"] = pd
	}
	if sensors := encodeSensorElements(ev, ns); sensors != nil {
		out["sensorElementList"] = sensors
	}
	if ev.TransformationID != "" {
		out["transformationID"] = ev.TransformationID
	}

	buckets := ev.FieldsByParent()
	if ilmd := encodeFieldSubtree(buckets, epcis.FieldIlmd, -1, ns); ilmd != nil {
		out["ilmd"] = ilmd
	}
	if ext := encodeFieldSubtree(buckets, epcis.FieldEventExtension, -1, ns); ext != nil {
		for k, v := range ext {
			out[k] = v
		}
	}
	if custom := encodeFieldSubtree(buckets, epcis.FieldCustomField, -1, ns); custom != nil {
		for k, v := range custom {
			out[k] = v
		}
	}

	if ev.CertificationInfo != "" {
		out["certificationInfo"] = ev.CertificationInfo
	}
	return out
}

func encodeEpcLists(ev *epcis.Event, out map[string]interface{}) {
	listOf := func(t epcis.EpcType) []map[string]interface{} {
		var items []map[string]interface{}
		for _, e := range ev.EpcsOfType(t) {
			items = append(items, map[string]interface{}{"epc": e.ID})
		}
		return items
	}
	if v := listOf(epcis.EpcList); v != nil {
		out["epcList"] = v
	}
	if v := listOf(epcis.EpcChild); v != nil {
		out["childEPCs"] = v
	}
	if p := ev.EpcsOfType(epcis.EpcParent); len(p) > 0 {
		out["parentID"] = p[0].ID
	}
	if v := listOf(epcis.EpcInput); v != nil {
		out["inputEPCList"] = v
	}
	if v := listOf(epcis.EpcOutput); v != nil {
		out["outputEPCList"] = v
	}
	if q := ev.EpcsOfType(epcis.EpcQuantity); len(q) > 0 {
		listName := "quantityList"
		if ev.Type == epcis.TransformationEvent {
			listName = "inputQuantityList"
		}
		var items []map[string]interface{}
		for _, e := range q {
			item := map[string]interface{}{"epcClass": e.ID}
			if e.Quantity != nil {
				item["quantity"] = *e.Quantity
			}
			if e.UnitOfMeasure != "" {
				item["uom"] = e.UnitOfMeasure
			}
			items = append(items, item)
		}
		out[listName] = items
	}
}

func encodePersistentDisposition(ev *epcis.Event) map[string]interface{} {
	if len(ev.PersistentDispositions) == 0 {
		return nil
	}
	p := ev.PersistentDispositions[0]
	out := map[string]interface{}{}
	if len(p.Set) > 0 {
		out["set"] = p.Set
	}
	if len(p.Unset) > 0 {
		out["unset"] = p.Unset
	}
	return out
}

func encodeSensorElements(ev *epcis.Event, ns *namespaceTable) []map[string]interface{} {
	if len(ev.SensorElements) == 0 {
		return nil
	}
	buckets := ev.FieldsByParent()
	var out []map[string]interface{}
	for _, se := range ev.SensorElements {
		elem := map[string]interface{}{}
		if meta := encodeFieldSubtree(buckets, epcis.FieldSensorElementExtension, se.Index, ns); meta != nil {
			elem["sensorMetadata"] = meta
		}
		var reports []map[string]interface{}
		for _, r := range ev.SensorReports {
			if r.SensorIndex != se.Index {
				continue
			}
			report := map[string]interface{}{}
			if r.Type != "" {
				report["type"] = r.Type
			}
			if r.DeviceID != "" {
				report["deviceID"] = r.DeviceID
			}
			if r.UOM != "" {
				report["uom"] = r.UOM
			}
			if r.Value != nil {
				report["value"] = *r.Value
			}
			if r.MinValue != nil {
				report["minValue"] = *r.MinValue
			}
			if r.MaxValue != nil {
				report["maxValue"] = *r.MaxValue
			}
			if r.MeanValue != nil {
				report["meanValue"] = *r.MeanValue
			}
			if r.PercRank != nil {
				report["percRank"] = *r.PercRank
			}
			if r.Time != nil {
				report["time"] = r.Time.UTC().Format("2006-01-02T15:04:05.000Z")
			}
			reports = append(reports, report)
		}
		if len(reports) > 0 {
			elem["sensorReport"] = reports
		}
		out = append(out, elem)
	}
	return out
}

// encodeFieldSubtree renders one (fieldType, entity) partition of an
// event's Fields as a JSON-LD object keyed by "prefix:localName" (or bare
// localName for the empty namespace), registering any new namespace with
// ns as it walks.
func encodeFieldSubtree(buckets map[epcis.FieldBucketKey][]epcis.Field, fieldType epcis.FieldType, entity int, ns *namespaceTable) map[string]interface{} {
	roots := rootsOf(buckets, fieldType, entity)
	if len(roots) == 0 {
		return nil
	}
	out := map[string]interface{}{}
	for _, f := range roots {
		out[propertyName(f, ns)] = fieldValue(f, buckets, ns)
	}
	return out
}

func rootsOf(buckets map[epcis.FieldBucketKey][]epcis.Field, fieldType epcis.FieldType, entity int) []epcis.Field {
	var roots []epcis.Field
	for _, f := range buckets[epcis.RootKey(entity)] {
		if f.Type == fieldType {
			roots = append(roots, f)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].Index < roots[j].Index })
	return roots
}

func propertyName(f epcis.Field, ns *namespaceTable) string {
	if prefix := ns.prefixFor(f.Namespace); prefix != "" {
		return prefix + ":" + f.Name
	}
	return f.Name
}

func fieldValue(f epcis.Field, buckets map[epcis.FieldBucketKey][]epcis.Field, ns *namespaceTable) interface{} {
	children := buckets[epcis.ChildKey(f)]
	var attrs, nested []epcis.Field
	for _, c := range children {
		if c.Type == epcis.FieldAttribute {
			attrs = append(attrs, c)
		} else {
			nested = append(nested, c)
		}
	}
	sort.Slice(nested, func(i, j int) bool { return nested[i].Index < nested[j].Index })

	if len(nested) == 0 && len(attrs) == 0 {
		return leafValue(f)
	}

	obj := map[string]interface{}{}
	for _, a := range attrs {
		obj["@"+propertyName(a, ns)] = leafValue(a)
	}
	for _, c := range nested {
		obj[propertyName(c, ns)] = fieldValue(c, buckets, ns)
	}
	if len(nested) == 0 {
		// attributes only: fold the element's own text in under "@value"
		obj["@value"] = leafValue(f)
	}
	return obj
}

func leafValue(f epcis.Field) interface{} {
	switch {
	case f.NumericValue != nil:
		return *f.NumericValue
	case f.DateValue != nil:
		return f.DateValue.UTC().Format("2006-01-02T15:04:05.000Z")
	case f.TextValue != nil:
		return *f.TextValue
	default:
		return nil
	}
}
