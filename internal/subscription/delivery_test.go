package subscription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverer_DeliverWebhookSignsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	signingKey := []byte("shared-secret")
	d := newDeliverer(signingKey, 5*time.Second)
	err := d.deliver(context.Background(), srv.URL, Payload{SubscriptionID: "s1"})
	require.NoError(t, err)

	require.True(t, len(gotAuth) > len("Bearer "))
	tokenString := gotAuth[len("Bearer "):]
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return signingKey, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", claims["sub"])
}

func TestDeliverer_DeliverWebhookNoSigningKeyOmitsAuth(t *testing.T) {
	var gotAuth string
	sawHeader := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		sawHeader = gotAuth != ""
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newDeliverer(nil, 5*time.Second)
	require.NoError(t, d.deliver(context.Background(), srv.URL, Payload{SubscriptionID: "s1"}))
	assert.False(t, sawHeader)
}

func TestDeliverer_DeliverWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := newDeliverer(nil, 5*time.Second)
	err := d.deliver(context.Background(), srv.URL, Payload{SubscriptionID: "s1"})
	require.Error(t, err)
}

func TestDeliverer_DeliverUnsupportedScheme(t *testing.T) {
	d := newDeliverer(nil, 5*time.Second)
	err := d.deliver(context.Background(), "ftp://example.invalid/hook", Payload{})
	require.Error(t, err)
}

func TestDeliverer_DeliverSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan Payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		var p Payload
		require.NoError(t, conn.ReadJSON(&p))
		received <- p
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	d := newDeliverer(nil, 5*time.Second)
	require.NoError(t, d.deliver(context.Background(), wsURL, Payload{SubscriptionID: "s1", QueryName: "q1"}))

	select {
	case p := <-received:
		assert.Equal(t, "s1", p.SubscriptionID)
		assert.Equal(t, "q1", p.QueryName)
	case <-time.After(time.Second):
		t.Fatal("expected the socket destination to receive the payload")
	}
}
