package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/Robert-Freire/epcis/internal/epcis"
)

// Payload is what a subscription delivers to its destination: the result
// set of the subscription's stored query parameters since its last
// cursor, labelled with the subscription's QueryName. Master data is
// never carried on a notification (spec §4.8 covers events only).
type Payload struct {
	SubscriptionID string        `json:"subscriptionID"`
	QueryName      string        `json:"queryName"`
	Events         []epcis.Event `json:"events"`
}

// deliverer pushes a Payload to a subscription's destination URI. The
// scheme selects the transport: http(s) is a signed webhook POST, ws(s)
// is a single-shot websocket push.
type deliverer struct {
	httpClient *http.Client
	signingKey []byte
}

func newDeliverer(signingKey []byte, timeout time.Duration) *deliverer {
	return &deliverer{httpClient: &http.Client{Timeout: timeout}, signingKey: signingKey}
}

func (d *deliverer) deliver(ctx context.Context, destination string, payload Payload) error {
	u, err := url.Parse(destination)
	if err != nil {
		return fmt.Errorf("subscription: invalid destination %q: %w", destination, err)
	}
	switch u.Scheme {
	case "http", "https":
		return d.deliverWebhook(ctx, destination, payload)
	case "ws", "wss":
		return d.deliverSocket(ctx, destination, payload)
	default:
		return fmt.Errorf("subscription: unsupported destination scheme %q", u.Scheme)
	}
}

func (d *deliverer) deliverWebhook(ctx context.Context, destination string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(d.signingKey) > 0 {
		token, err := d.signedToken(payload.SubscriptionID)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("subscription: destination returned status %d", resp.StatusCode)
	}
	return nil
}

// signedToken mints a short-lived HS256 bearer the destination can verify
// against the shared signing key: sub/iat/exp claims, same shape as the
// rest of this stack's service-to-service auth tokens.
func (d *deliverer) signedToken(subscriptionName string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subscriptionName,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(d.signingKey)
}

func (d *deliverer) deliverSocket(ctx context.Context, destination string, payload Payload) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, destination, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.WriteJSON(payload); err != nil {
		return err
	}
	return conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
}
