package httpapi

import (
	"regexp"

	"github.com/Robert-Freire/epcis/internal/decode/jsonld"
	"github.com/Robert-Freire/epcis/internal/decode/xml12"
	"github.com/Robert-Freire/epcis/internal/decode/xml20"
	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
)

// schemaVersionAttr finds an EPCISDocument's schemaVersion attribute
// without a full parse: neither xml12 nor xml20's decoder dispatches on
// it, so the content-type router needs to pick the right one first.
var schemaVersionAttr = regexp.MustCompile(`schemaVersion\s*=\s*["']([^"']+)["']`)

// decodeByContentType routes a capture document to the decoder matching
// its Content-Type (spec §6.4), sniffing the XML schemaVersion attribute
// to choose between the 1.2 and 2.0 XML decoders.
func decodeByContentType(contentType string, body []byte, maxBytes int64) (*epcis.Capture, error) {
	switch contentType {
	case "application/xml", "text/xml":
		if m := schemaVersionAttr.FindSubmatch(body); m != nil && string(m[1]) == "2.0" {
			return xml20.Decode(body, maxBytes)
		}
		return xml12.Decode(body, maxBytes)
	case "application/json", "application/ld+json":
		return jsonld.Decode(body, maxBytes)
	default:
		return nil, epciserr.UnsupportedContentType(contentType)
	}
}
