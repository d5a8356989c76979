// Package epcis defines the canonical in-memory representation of EPCIS
// captures, events, masterdata and subscriptions. It holds no behavior
// beyond the invariant checks a caller needs before trusting an aggregate;
// decoding, validation, hashing, persistence and encoding all live in
// sibling packages that operate on these types.
package epcis

import "time"

// EventType discriminates the four (five, for 1.2) event variants sharing
// one record shape.
type EventType string

const (
	ObjectEvent         EventType = "ObjectEvent"
	AggregationEvent    EventType = "AggregationEvent"
	TransactionEvent    EventType = "TransactionEvent"
	TransformationEvent EventType = "TransformationEvent"
	QuantityEvent       EventType = "QuantityEvent"
)

// Action is the EPCIS action vocabulary. Absent for TransformationEvent.
type Action string

const (
	ActionAdd     Action = "ADD"
	ActionObserve Action = "OBSERVE"
	ActionDelete  Action = "DELETE"
)

// EpcType distinguishes how an Epc reference is owned by its event.
type EpcType string

const (
	EpcList     EpcType = "List"
	EpcChild    EpcType = "ChildEpc"
	EpcParent   EpcType = "ParentId"
	EpcInput    EpcType = "InputEpc"
	EpcOutput   EpcType = "OutputEpc"
	EpcQuantity EpcType = "Quantity"
)

// FieldType discriminates which hierarchical subtree a Field entry came
// from; it is orthogonal to the (index, parentIndex) tree position.
type FieldType string

const (
	FieldIlmd                   FieldType = "Ilmd"
	FieldEventExtension         FieldType = "EventExtension"
	FieldSensorElementExtension FieldType = "SensorElementExtension"
	FieldSensorReportExtension  FieldType = "SensorReportExtension"
	FieldCustomField            FieldType = "CustomField"
	FieldAttribute              FieldType = "Attribute"
)

// Capture is the top-level unit of ingestion: one EPCIS document submission.
type Capture struct {
	ID                     int64
	CaptureID              string
	TenantID               string
	SchemaVersion          string
	DocumentTime           time.Time
	RecordTime             time.Time
	StandardBusinessHeader *StandardBusinessHeader
	Events                 []Event
	MasterData             []MasterData
}

// StandardBusinessHeader carries the optional SBDH envelope metadata.
type StandardBusinessHeader struct {
	SenderID   string
	ReceiverID string
	DocumentID string
}

// Event is one EPCIS event of any of the five variants.
type Event struct {
	ID                  int64
	CaptureID           int64
	Type                EventType
	EventID             string
	EventTime           time.Time
	EventTimeZoneOffset string
	RecordTime          time.Time // server-assigned capture time, denormalized for orderBy=recordTime
	Action              Action // empty for TransformationEvent
	BusinessStep        string
	Disposition         string
	ReadPoint           string
	BusinessLocation    string
	TransformationID    string // TransformationEvent only

	CertificationInfo string

	CorrectiveDeclarationTime time.Time
	CorrectiveReason          string
	CorrectiveEventIDs        []string

	Epcs                   []Epc
	BusinessTransactions    []BusinessTransaction
	Sources                []Source
	Destinations           []Destination
	SensorElements         []SensorElement
	SensorReports          []SensorReport
	PersistentDispositions []PersistentDisposition
	Fields                 []Field
}

// Epc is a typed identifier reference belonging to one event.
type Epc struct {
	Type          EpcType
	ID            string
	Quantity      *float64
	UnitOfMeasure string
}

// BusinessTransaction references an external business transaction.
type BusinessTransaction struct {
	Type string
	ID   string
}

// Source is a supply-chain source reference.
type Source struct {
	Type string
	ID   string
}

// Destination is a supply-chain destination reference.
type Destination struct {
	Type string
	ID   string
}

// SensorElement is an owned sequence element under an Event; its own
// extension payload lives in Field entries bound via EntityIndex.
type SensorElement struct {
	Index int // DFS position among SensorElements, not the Field tree
}

// SensorReport is one reading inside a SensorElement.
type SensorReport struct {
	SensorIndex int // references the owning SensorElement's Index
	Type        string
	DeviceID    string
	Value       *float64
	MinValue    *float64
	MaxValue    *float64
	MeanValue   *float64
	PercRank    *float64
	UOM         string
	Time        *time.Time
}

// PersistentDisposition carries the EPCIS 2.0 set/unset disposition lists.
type PersistentDisposition struct {
	Set   []string
	Unset []string
}

// Field is the flat, DFS-indexed representation of a hierarchical
// custom-namespace subtree (ILMD, event/sensor extensions, attributes).
//
// Hierarchy is encoded, not nested: Index is the node's position in a
// per-event DFS numbering; ParentIndex is nil for a subtree root and
// otherwise references a strictly smaller Index of the same event and
// same EntityIndex partition.
type Field struct {
	Type        FieldType
	Namespace   string
	Name        string
	TextValue   *string
	NumericValue *float64
	DateValue   *time.Time

	Index       int
	ParentIndex *int
	EntityIndex *int // non-nil when owned by a specific SensorElement/SensorReport
}

// MasterData is a typed vocabulary entry with attributes and optional
// hierarchy references.
type MasterData struct {
	CaptureID int64
	TenantID  string
	Type      string
	ID        string
	Attributes map[string]string
	Children   []string
	Parents    []string
}

// TriggerKind discriminates a Subscription's firing condition.
type TriggerKind string

const (
	TriggerOnCapture  TriggerKind = "OnCapture"
	TriggerOnSchedule TriggerKind = "OnSchedule"
)

// NamedQuery is a saved parameter set a caller can execute repeatedly by
// name (GET /queries/{name}/events) or reference from a Subscription.
type NamedQuery struct {
	Name       string
	TenantID   string
	Parameters map[string][]string
}

// Subscription is a standing named query.
type Subscription struct {
	Name              string
	TenantID          string
	QueryName         string
	Parameters        map[string][]string
	Destination       string
	ReportIfEmpty     bool
	InitialRecordTime time.Time
	LastExecutedTime  time.Time
	Trigger           TriggerKind
	CronExpression    string // set when Trigger == TriggerOnSchedule
	Active            bool
}
