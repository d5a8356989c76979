package epcis

// EpcsOfType returns the event's Epc entries matching the given type, in
// their stored order.
func (e *Event) EpcsOfType(t EpcType) []Epc {
	var out []Epc
	for _, epc := range e.Epcs {
		if epc.Type == t {
			out = append(out, epc)
		}
	}
	return out
}

// FieldBucketKey identifies one (entity, parent) partition of an event's
// Fields. Index numbering restarts at 0 for every SensorElement's own
// extension subtree, so ParentIndex alone cannot disambiguate a sensor
// field's children from an unrelated ILMD field that happens to share
// the same numeric index; EntityIndex is part of the key for that
// reason. Both fields use -1 for "nil" so the zero key stays comparable.
type FieldBucketKey struct {
	EntityIndex int
	ParentIndex int
}

// FieldsByParent buckets the event's Fields by (EntityIndex, ParentIndex)
// in O(n), the building block both the query engine's ILMD lookups and
// the encoders' tree reconstruction rely on.
func (e *Event) FieldsByParent() map[FieldBucketKey][]Field {
	buckets := make(map[FieldBucketKey][]Field, len(e.Fields))
	for _, f := range e.Fields {
		key := FieldBucketKey{EntityIndex: -1, ParentIndex: -1}
		if f.EntityIndex != nil {
			key.EntityIndex = *f.EntityIndex
		}
		if f.ParentIndex != nil {
			key.ParentIndex = *f.ParentIndex
		}
		buckets[key] = append(buckets[key], f)
	}
	return buckets
}

// childKey returns the bucket key for f's own children, which share f's
// EntityIndex and are parented at f.Index.
func childKey(f Field) FieldBucketKey {
	key := FieldBucketKey{EntityIndex: -1, ParentIndex: f.Index}
	if f.EntityIndex != nil {
		key.EntityIndex = *f.EntityIndex
	}
	return key
}

// RootKey returns the bucket key for top-level fields (ParentIndex nil)
// owned by the given entity (-1 for none).
func RootKey(entityIndex int) FieldBucketKey {
	return FieldBucketKey{EntityIndex: entityIndex, ParentIndex: -1}
}

// ChildKey returns the bucket key for f's own children.
func ChildKey(f Field) FieldBucketKey { return childKey(f) }

// FieldIndexValid reports whether every Field's ParentIndex is nil or
// references a strictly smaller Index of the same event (invariant #4,
// spec §8).
func (e *Event) FieldIndexValid() bool {
	byIndex := make(map[int]bool, len(e.Fields))
	for _, f := range e.Fields {
		byIndex[f.Index] = true
	}
	for _, f := range e.Fields {
		if f.ParentIndex == nil {
			continue
		}
		if *f.ParentIndex >= f.Index {
			return false
		}
		if !byIndex[*f.ParentIndex] {
			return false
		}
	}
	return true
}

// RequiresAction reports whether this event variant must carry an Action.
func (t EventType) RequiresAction() bool {
	return t == ObjectEvent || t == AggregationEvent || t == TransactionEvent || t == QuantityEvent
}
