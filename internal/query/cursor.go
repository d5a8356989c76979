package query

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strconv"

	"github.com/Robert-Freire/epcis/internal/storage"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
)

// cursorPayload is the JSON shape encoded into a pagination token, per
// spec §6.5: base64url of {orderKey, orderValue, id, hmac}.
type cursorPayload struct {
	OrderKey   string `json:"orderKey"`
	OrderValue string `json:"orderValue"`
	ID         int64  `json:"id"`
	HMAC       string `json:"hmac"`
}

// EncodeCursor signs and encodes the last emitted row's ordering position
// as an opaque pagination token. Signing is mandatory in this
// implementation (see DESIGN.md) even though spec §4.6 calls it optional,
// since an unsigned cursor lets a caller forge arbitrary (orderKey, id)
// pairs.
func EncodeCursor(secret []byte, cursor storage.Cursor) string {
	sig := sign(secret, cursor.OrderKey, cursor.OrderValue, cursor.ID)
	payload := cursorPayload{
		OrderKey: cursor.OrderKey, OrderValue: cursor.OrderValue, ID: cursor.ID, HMAC: sig,
	}
	b, _ := json.Marshal(payload)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor validates and decodes a pagination token produced by
// EncodeCursor. An invalid signature or malformed token is rejected as
// InvalidParameterValue on "nextPageToken".
func DecodeCursor(secret []byte, token string) (*storage.Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, epciserr.InvalidParameterValue("nextPageToken", token)
	}
	var payload cursorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, epciserr.InvalidParameterValue("nextPageToken", token)
	}
	expected := sign(secret, payload.OrderKey, payload.OrderValue, payload.ID)
	if !hmac.Equal([]byte(expected), []byte(payload.HMAC)) {
		return nil, epciserr.InvalidParameterValue("nextPageToken", token)
	}
	return &storage.Cursor{OrderKey: payload.OrderKey, OrderValue: payload.OrderValue, ID: payload.ID}, nil
}

func sign(secret []byte, orderKey, orderValue string, id int64) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(orderKey))
	mac.Write([]byte{0})
	mac.Write([]byte(orderValue))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(id, 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
