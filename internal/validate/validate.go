// Package validate enforces EPCIS semantic constraints that schema
// validation alone does not capture (spec §4.2).
package validate

import (
	"regexp"

	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
)

var tzOffsetPattern = regexp.MustCompile(`^-?\d\d:\d\d$`)

var permittedSchemaVersions = map[string]bool{
	"1.0": true, "1.1": true, "1.2": true, "2.0": true,
}

// Capture runs every rule against cap and returns ValidationFailed with the
// full violation list if any rule fails, nil otherwise.
func Capture(cap *epcis.Capture) error {
	var violations []epciserr.RuleViolation

	if !permittedSchemaVersions[cap.SchemaVersion] {
		violations = append(violations, epciserr.RuleViolation{
			Rule: "SchemaVersionPermitted", Message: "schemaVersion must be one of 1.0, 1.1, 1.2, 2.0",
		})
	}

	seenEventIDs := make(map[string]bool)
	for i := range cap.Events {
		ev := &cap.Events[i]
		violations = append(violations, eventRules(ev)...)

		if ev.EventID != "" {
			if seenEventIDs[ev.EventID] {
				violations = append(violations, epciserr.RuleViolation{
					Rule: "DuplicateEventIDInCapture", Message: "eventId is duplicated within this capture",
					Path: ev.EventID,
				})
			}
			seenEventIDs[ev.EventID] = true
		}
	}

	if len(violations) > 0 {
		return epciserr.ValidationFailed(violations...)
	}
	return nil
}

func eventRules(ev *epcis.Event) []epciserr.RuleViolation {
	var violations []epciserr.RuleViolation

	if ev.EventTime.IsZero() {
		violations = append(violations, epciserr.RuleViolation{
			Rule: "EventTimeRequired", Message: "eventTime is required",
		})
	}
	if ev.EventTimeZoneOffset != "" && !tzOffsetPattern.MatchString(ev.EventTimeZoneOffset) {
		violations = append(violations, epciserr.RuleViolation{
			Rule: "EventTimeZoneOffsetFormat", Message: "eventTimeZoneOffset must match ±HH:MM",
		})
	}

	if ev.Type.RequiresAction() && ev.Action == "" {
		violations = append(violations, epciserr.RuleViolation{
			Rule: "ActionRequired", Message: string(ev.Type) + " requires action",
		})
	}

	switch ev.Type {
	case epcis.AggregationEvent:
		if ev.Action == epcis.ActionAdd || ev.Action == epcis.ActionDelete {
			parents := ev.EpcsOfType(epcis.EpcParent)
			if len(parents) != 1 {
				violations = append(violations, epciserr.RuleViolation{
					Rule: "AggregationAddRequiresParent",
					Message: "AggregationEvent with action ADD or DELETE requires exactly one ParentId EPC",
				})
			}
		}
	case epcis.TransformationEvent:
		inputs := ev.EpcsOfType(epcis.EpcInput)
		outputs := ev.EpcsOfType(epcis.EpcOutput)
		if len(inputs) == 0 && len(outputs) == 0 {
			violations = append(violations, epciserr.RuleViolation{
				Rule: "TransformationRequiresEpc",
				Message: "TransformationEvent requires at least one input or output EPC",
			})
		}
	}

	if !ev.FieldIndexValid() {
		violations = append(violations, epciserr.RuleViolation{
			Rule: "FieldIndexInvariant",
			Message: "field.parentIndex must be null or reference a smaller index of the same event",
		})
	}

	validSensorIndexes := make(map[int]bool, len(ev.SensorElements))
	for _, se := range ev.SensorElements {
		validSensorIndexes[se.Index] = true
	}
	for _, sr := range ev.SensorReports {
		if !validSensorIndexes[sr.SensorIndex] {
			violations = append(violations, epciserr.RuleViolation{
				Rule: "SensorReportReferencesExistingElement",
				Message: "sensorIndex must name an existing SensorElement in the same event",
			})
		}
	}

	return violations
}
