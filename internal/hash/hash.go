// Package hash derives a stable content-addressed eventId for events the
// submitter did not assign one. The canonical serialization is designed so
// that hash(x) == hash(decode(encode(x))) for any supported wire format:
// it never depends on source byte order, only on the canonical model.
package hash

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Robert-Freire/epcis/internal/epcis"
)

// EventID computes the "ni:///sha-256;<base64url-no-pad>?ver=CBV2.0" URI
// for ev, per spec §4.3.
func EventID(ev *epcis.Event) string {
	canon := canonicalize(ev)
	sum := sha256.Sum256([]byte(canon))
	encoded := base64.RawURLEncoding.EncodeToString(sum[:])
	return fmt.Sprintf("ni:///sha-256;%s?ver=CBV2.0", encoded)
}

// canonicalize renders ev as the canonical NDJSON-like form described in
// spec §4.3: one "key=value" per line, keys sorted, set-valued children
// sorted by canonical string form, numbers and timestamps normalized.
func canonicalize(ev *epcis.Event) string {
	lines := []string{
		line("type", string(ev.Type)),
		line("eventTime", canonTime(ev.EventTime)),
		line("eventTimeZoneOffset", ev.EventTimeZoneOffset),
	}
	if ev.Action != "" {
		lines = append(lines, line("action", string(ev.Action)))
	}
	lines = append(lines,
		line("businessStep", ev.BusinessStep),
		line("disposition", ev.Disposition),
		line("readPoint", ev.ReadPoint),
		line("businessLocation", ev.BusinessLocation),
	)
	if ev.TransformationID != "" {
		lines = append(lines, line("transformationId", ev.TransformationID))
	}

	lines = append(lines, canonEpcs(ev.Epcs)...)
	lines = append(lines, canonBizTransactions(ev.BusinessTransactions)...)
	lines = append(lines, canonSources(ev.Sources)...)
	lines = append(lines, canonDestinations(ev.Destinations)...)
	lines = append(lines, canonSensorReports(ev.SensorReports)...)
	lines = append(lines, canonFields(ev.Fields)...)

	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

func line(key, value string) string {
	return key + "=" + value
}

// canonTime renders t in UTC as "YYYY-MM-DDTHH:MM:SS.sssZ".
func canonTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// canonNumber renders f without exponent notation, without trailing zeros
// after the decimal point, with a mandatory leading zero for fractional
// values — using decimal rather than strconv.FormatFloat because the
// latter cannot guarantee exponent-free rendering for arbitrary
// magnitudes.
func canonNumber(f float64) string {
	d := decimal.NewFromFloat(f)
	s := d.String()
	if strings.HasPrefix(s, ".") {
		s = "0" + s
	} else if strings.HasPrefix(s, "-.") {
		s = "-0" + s[1:]
	}
	return s
}

func canonEpcs(epcs []epcis.Epc) []string {
	type rendered struct{ key, s string }
	var out []rendered
	for _, e := range epcs {
		s := string(e.Type) + "|" + e.ID
		if e.Quantity != nil {
			s += "|" + canonNumber(*e.Quantity)
		}
		if e.UnitOfMeasure != "" {
			s += "|" + e.UnitOfMeasure
		}
		out = append(out, rendered{string(e.Type), s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].s < out[j].s })
	lines := make([]string, 0, len(out))
	for i, r := range out {
		lines = append(lines, line(fmt.Sprintf("epc[%d]", i), r.s))
	}
	return lines
}

func canonBizTransactions(bts []epcis.BusinessTransaction) []string {
	var rows []string
	for _, bt := range bts {
		rows = append(rows, bt.Type+"|"+bt.ID)
	}
	sort.Strings(rows)
	lines := make([]string, 0, len(rows))
	for i, r := range rows {
		lines = append(lines, line(fmt.Sprintf("bizTransaction[%d]", i), r))
	}
	return lines
}

func canonSources(sources []epcis.Source) []string {
	var rows []string
	for _, s := range sources {
		rows = append(rows, s.Type+"|"+s.ID)
	}
	sort.Strings(rows)
	lines := make([]string, 0, len(rows))
	for i, r := range rows {
		lines = append(lines, line(fmt.Sprintf("source[%d]", i), r))
	}
	return lines
}

func canonDestinations(dests []epcis.Destination) []string {
	var rows []string
	for _, d := range dests {
		rows = append(rows, d.Type+"|"+d.ID)
	}
	sort.Strings(rows)
	lines := make([]string, 0, len(rows))
	for i, r := range rows {
		lines = append(lines, line(fmt.Sprintf("destination[%d]", i), r))
	}
	return lines
}

func canonSensorReports(reports []epcis.SensorReport) []string {
	var rows []string
	for _, r := range reports {
		parts := []string{r.Type, r.DeviceID, r.UOM}
		if r.Value != nil {
			parts = append(parts, "value="+canonNumber(*r.Value))
		}
		if r.MinValue != nil {
			parts = append(parts, "min="+canonNumber(*r.MinValue))
		}
		if r.MaxValue != nil {
			parts = append(parts, "max="+canonNumber(*r.MaxValue))
		}
		if r.MeanValue != nil {
			parts = append(parts, "mean="+canonNumber(*r.MeanValue))
		}
		if r.PercRank != nil {
			parts = append(parts, "percRank="+canonNumber(*r.PercRank))
		}
		if r.Time != nil {
			parts = append(parts, "time="+canonTime(*r.Time))
		}
		rows = append(rows, strings.Join(parts, "|"))
	}
	sort.Strings(rows)
	lines := make([]string, 0, len(rows))
	for i, r := range rows {
		lines = append(lines, line(fmt.Sprintf("sensorReport[%d]", i), r))
	}
	return lines
}

// canonFields renders every Field as a self-contained string carrying its
// own tree position, so canonicalization does not depend on slice order —
// any permutation of ev.Fields, decoded from any supported format, yields
// the same sorted line set.
func canonFields(fields []epcis.Field) []string {
	var rows []string
	for _, f := range fields {
		parent := "root"
		if f.ParentIndex != nil {
			parent = fmt.Sprintf("%d", *f.ParentIndex)
		}
		entity := ""
		if f.EntityIndex != nil {
			entity = fmt.Sprintf("%d", *f.EntityIndex)
		}
		parts := []string{
			string(f.Type), f.Namespace, f.Name,
			fmt.Sprintf("idx=%d", f.Index), "parent=" + parent, "entity=" + entity,
		}
		if f.TextValue != nil {
			parts = append(parts, "text="+*f.TextValue)
		}
		if f.NumericValue != nil {
			parts = append(parts, "num="+canonNumber(*f.NumericValue))
		}
		if f.DateValue != nil {
			parts = append(parts, "date="+canonTime(*f.DateValue))
		}
		rows = append(rows, strings.Join(parts, "|"))
	}
	sort.Strings(rows)
	lines := make([]string, 0, len(rows))
	for i, r := range rows {
		lines = append(lines, line(fmt.Sprintf("field[%d]", i), r))
	}
	return lines
}
