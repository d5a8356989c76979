package httpapi

import (
	"net/http"
	"strings"

	"github.com/Robert-Freire/epcis/internal/encode/jsonld"
	"github.com/Robert-Freire/epcis/internal/encode/xml"
	"github.com/Robert-Freire/epcis/internal/epcis"
)

// wantsJSON inspects Accept for a JSON-family media type, defaulting to
// XML the way the rest of the GS1 ecosystem defaults, matching the
// request bodies this repository itself accepts by default.
func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "json")
}

// writeCapture serializes cap per the caller's Accept header, choosing the
// XML schema version from cap.SchemaVersion (spec §6.1 GET /capture/{id}).
func writeCapture(w http.ResponseWriter, r *http.Request, cap *epcis.Capture) {
	if wantsJSON(r) {
		body, err := jsonld.Encode(cap)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/ld+json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}
	encodeFn := xml.Encode12
	if cap.SchemaVersion == "2.0" {
		encodeFn = xml.Encode20
	}
	body, err := encodeFn(cap)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// writeQueryResults serializes a query result set as an EPCIS 2.0
// QueryResults body (spec §6.1's explicit "always 2.0" rule for GET
// /events, regardless of what schema version any contributing capture
// used), reusing the same EPCISDocument/EventList encoder the capture
// endpoints use since no dedicated QueryResults wrapper exists in either
// wire format's encoder.
func writeQueryResults(w http.ResponseWriter, r *http.Request, events []epcis.Event) {
	synthetic := &epcis.Capture{SchemaVersion: "2.0", Events: events}
	writeCapture(w, r, synthetic)
}
