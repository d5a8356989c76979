// Package xml12 decodes EPCIS 1.0/1.1/1.2 XML documents into the
// canonical epcis.Capture aggregate. Its one structural difference from
// EPCIS 2.0 XML is the legacy baseExtension wrapper, whose children are
// transparently hoisted one level before indexing (spec §4.1 "Version
// specifics").
package xml12

import (
	"bytes"
	"encoding/xml"
	"time"

	"github.com/Robert-Freire/epcis/internal/decode"
	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
)

var permittedVersions = map[string]bool{"1.0": true, "1.1": true, "1.2": true}

var knownEventChildren = map[string]bool{
	"eventTime": true, "eventTimeZoneOffset": true, "recordTime": true,
	"action": true, "bizStep": true, "disposition": true, "readPoint": true,
	"bizLocation": true, "epcList": true, "childEPCs": true, "parentID": true,
	"inputEPCList": true, "outputEPCList": true, "quantityList": true,
	"inputQuantityList": true, "outputQuantityList": true, "quantity": true, "epcClass": true,
	"bizTransactionList": true, "sourceList": true, "destinationList": true,
	"ilmd": true, "extension": true, "baseExtension": true,
	"transformationID": true, "certificationInfo": true,
}

// Decode parses data (the EPCISDocument root) into a Capture.
func Decode(data []byte, maxBytes int64) (*epcis.Capture, error) {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, epciserr.OversizedDocument(maxBytes, int64(len(data)))
	}

	var doc struct {
		XMLName       xml.Name `xml:"EPCISDocument"`
		SchemaVersion string   `xml:"schemaVersion,attr"`
		CreationDate  string   `xml:"creationDate,attr"`
		EPCISBody     struct {
			EventList struct {
				Events []decode.AnyElement `xml:",any"`
			} `xml:"EventList"`
		} `xml:"EPCISBody"`
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, epciserr.MalformedDocument(err.Error())
	}

	version := doc.SchemaVersion
	if version == "" {
		version = "1.2"
	}
	if !permittedVersions[version] {
		return nil, epciserr.UnsupportedVersion(version)
	}

	cap := &epcis.Capture{SchemaVersion: version}
	if doc.CreationDate != "" {
		t, err := time.Parse(time.RFC3339, doc.CreationDate)
		if err != nil {
			return nil, epciserr.MalformedDocument("creationDate: " + err.Error())
		}
		cap.DocumentTime = t.UTC()
	}

	for _, el := range doc.EPCISBody.EventList.Events {
		// QuantityEvent is a 1.x-only variant; AggregationEvent's legacy
		// quantity-bearing childEPCs are represented as a bare
		// <quantity> sibling of <epcClass> rather than 2.0's
		// quantityElement wrapper — hoisting below normalizes the shape
		// enough for decode.DecodeXMLEvent's quantityList handling to
		// apply uniformly, so only the wrapper-transparency behavior is
		// special-cased here.
		el.Nodes = decode.HoistWrappers(el.Nodes)
		ev, err := decode.DecodeXMLEvent(el, knownEventChildren)
		if err != nil {
			return nil, err
		}
		cap.Events = append(cap.Events, *ev)
	}

	return cap, nil
}
