// Package xml20 decodes EPCIS 2.0 XML documents into the canonical
// epcis.Capture aggregate (spec §4.1). EPCIS 2.0 XML has a flat event
// shape with no legacy extension/baseExtension wrappers and explicit
// sensorElementList/persistentDisposition elements.
package xml20

import (
	"bytes"
	"encoding/xml"
	"time"

	"github.com/Robert-Freire/epcis/internal/decode"
	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
)

// knownEventChildren lists the EPCIS 2.0 child elements of an event that
// carry first-class meaning; anything else under the event is a foreign
// extension element and is flattened via decode.Flatten.
var knownEventChildren = map[string]bool{
	"eventTime": true, "eventTimeZoneOffset": true, "recordTime": true,
	"action": true, "bizStep": true, "disposition": true, "readPoint": true,
	"bizLocation": true, "epcList": true, "childEPCs": true, "parentID": true,
	"inputEPCList": true, "outputEPCList": true, "quantityList": true,
	"inputQuantityList": true, "outputQuantityList": true,
	"bizTransactionList": true, "sourceList": true, "destinationList": true,
	"sensorElementList": true, "persistentDisposition": true, "ilmd": true,
	"extension": true, "transformationID": true, "certificationInfo": true,
	"errorDeclaration": true,
}

// Decode parses data (the EPCISDocument root) into a Capture. maxBytes
// bounds the document per spec §4.1 step 1; pass 0 to skip the check.
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

	if doc.SchemaVersion != "" && doc.SchemaVersion != "2.0" {
		return nil, epciserr.UnsupportedVersion(doc.SchemaVersion)
	}

	cap := &epcis.Capture{SchemaVersion: "2.0"}
	if doc.CreationDate != "" {
		t, err := time.Parse(time.RFC3339, doc.CreationDate)
		if err != nil {
			return nil, epciserr.MalformedDocument("creationDate: " + err.Error())
		}
		cap.DocumentTime = t.UTC()
	}

	for _, el := range doc.EPCISBody.EventList.Events {
		ev, err := decode.DecodeXMLEvent(el, knownEventChildren)
		if err != nil {
			return nil, err
		}
		cap.Events = append(cap.Events, *ev)
	}

	return cap, nil
}
