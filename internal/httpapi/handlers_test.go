package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Robert-Freire/epcis/internal/bus"
	"github.com/Robert-Freire/epcis/internal/capture"
	"github.com/Robert-Freire/epcis/internal/identity"
	"github.com/Robert-Freire/epcis/internal/query"
	"github.com/Robert-Freire/epcis/internal/subscription"
	"github.com/Robert-Freire/epcis/pkg/epcisconfig"
	"github.com/Robert-Freire/epcis/pkg/epcislog"
	"github.com/Robert-Freire/epcis/pkg/epcismetrics"
)

const minimalObjectEvent = `{
  "schemaVersion": "2.0",
  "creationDate": "2026-08-01T00:00:00.000Z",
  "epcisBody": {
    "eventList": [
      {
        "type": "ObjectEvent",
        "eventTime": "2026-08-01T00:00:00.000Z",
        "eventTimeZoneOffset": "+00:00",
        "action": "OBSERVE",
        "epcList": ["urn:epc:id:sgtin:0614141.107346.2017"]
      }
    ]
  }
}`

func newTestServer(t *testing.T) (*httptest.Server, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	eventBus := bus.New(4)
	log := epcislog.New("httpapi-test", "error", "text")
	metrics := epcismetrics.NewWithRegistry("httpapi-test", prometheus.NewRegistry())

	captureHandler := capture.New(store, eventBus, 500, log, metrics)
	queryEngine := query.NewEngine(store, 1000, []byte("pagination-secret"))
	subEngine := subscription.New(store, queryEngine, eventBus, time.Hour, []byte("signing"), log, metrics)

	credStore, err := identity.Load(writeCredentialsFile(t))
	require.NoError(t, err)
	auth := identity.New(credStore, log)

	cfg := epcisconfig.Config{MaxEventsPerCall: 500, CaptureSizeLimit: 1 << 20, MaxEventsReturnedInQuery: 1000, RequestRatePerSecond: 1000}

	deps := &Deps{Config: cfg, Store: store, Capture: captureHandler, Query: queryEngine, Subscriptions: subEngine, Auth: auth, Log: log, Metrics: metrics}
	return httptest.NewServer(NewRouter(deps)), store
}

func writeCredentialsFile(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.DefaultCost)
	require.NoError(t, err)
	path := t.TempDir() + "/credentials"
	content := "tenant-a:alice:" + string(hash) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCaptureAndRetrieve(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/capture", bytes.NewBufferString(minimalObjectEvent))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth("alice", "s3cret")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	captureID := created["captureId"]
	assert.NotEmpty(t, captureID)

	getReq, _ := http.NewRequest(http.MethodGet, srv.URL+"/capture/"+captureID, nil)
	getReq.Header.Set("Accept", "application/json")
	getReq.SetBasicAuth("alice", "s3cret")
	getResp, err := http.DefaultClient.Do(getReq)
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestCaptureRejectsWithoutAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/capture", "application/json", bytes.NewBufferString(minimalObjectEvent))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetEventsReturnsCapturedEvent(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/capture", bytes.NewBufferString(minimalObjectEvent))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("alice", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	getReq, _ := http.NewRequest(http.MethodGet, srv.URL+"/events", nil)
	getReq.Header.Set("Accept", "application/json")
	getReq.SetBasicAuth("alice", "s3cret")
	getResp, err := http.DefaultClient.Do(getReq)
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestNamedQueryCreateAndRun(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(namedQueryRequest{Name: "my-query", Parameters: map[string][]string{}})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/queries", bytes.NewBuffer(body))
	req.SetBasicAuth("alice", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	getReq, _ := http.NewRequest(http.MethodGet, srv.URL+"/queries/my-query/events", nil)
	getReq.Header.Set("Accept", "application/json")
	getReq.SetBasicAuth("alice", "s3cret")
	getResp, err := http.DefaultClient.Do(getReq)
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestDiscoveryEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/eventTypes", nil)
	req.SetBasicAuth("alice", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubscriptionCreateAndDelete(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(subscriptionRequest{SubscriptionID: "sub-1", Destination: "https://example.com/hook", Trigger: "OnCapture"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/queries/my-query/subscriptions", bytes.NewBuffer(body))
	req.SetBasicAuth("alice", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	delReq, _ := http.NewRequest(http.MethodDelete, srv.URL+"/queries/my-query/subscriptions/sub-1", nil)
	delReq.SetBasicAuth("alice", "s3cret")
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)
}

func TestDecodeByContentTypeSniffsXMLVersion(t *testing.T) {
	body := []byte(`<epcis:EPCISDocument xmlns:epcis="urn:epcglobal:epcis:xsd:2" schemaVersion="2.0"><EPCISBody><EventList></EventList></EPCISBody></epcis:EPCISDocument>`)
	cap, err := decodeByContentType("application/xml", body, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, "2.0", cap.SchemaVersion)
}

func TestDecodeByContentTypeRejectsUnknown(t *testing.T) {
	_, err := decodeByContentType("application/x-unknown", []byte("x"), 1<<20)
	assert.Error(t, err)
}
