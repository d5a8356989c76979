package soapapi

import (
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Robert-Freire/epcis/internal/bus"
	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/internal/query"
	"github.com/Robert-Freire/epcis/internal/subscription"
	"github.com/Robert-Freire/epcis/pkg/epcislog"
	"github.com/Robert-Freire/epcis/pkg/epcismetrics"
)

const tenantID = "tenant-a"

func newTestHandler(t *testing.T) (*Handler, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	eventBus := bus.New(4)
	log := epcislog.New("soapapi-test", "error", "text")
	metrics := epcismetrics.NewWithRegistry("soapapi-test", prometheus.NewRegistry())

	queryEngine := query.NewEngine(store, 1000, []byte("pagination-secret"))
	subEngine := subscription.New(store, queryEngine, eventBus, time.Hour, []byte("signing"), log, metrics)

	return New(store, queryEngine, subEngine, log), store
}

func soapRequest(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/Query.svc", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/xml")
	req = req.WithContext(epcislog.WithTenantID(req.Context(), tenantID))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func envelopeWith(inner string) string {
	return `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>` + inner + `</soap:Body></soap:Envelope>`
}

func TestGetVendorVersion(t *testing.T) {
	h, _ := newTestHandler(t)
	rr := soapRequest(t, h, envelopeWith(`<GetVendorVersion/>`))
	require.Equal(t, http.StatusOK, rr.Code)

	var result struct {
		XMLName xml.Name `xml:"Envelope"`
		Body    struct {
			Result struct {
				Value string `xml:",chardata"`
			} `xml:"GetVendorVersionResult"`
		} `xml:"Body"`
	}
	require.NoError(t, xml.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, vendorVersion, result.Body.Result.Value)
}

func TestGetStandardVersion(t *testing.T) {
	h, _ := newTestHandler(t)
	rr := soapRequest(t, h, envelopeWith(`<GetStandardVersion/>`))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), standardVersion)
}

func TestUnknownOperationFaults(t *testing.T) {
	h, _ := newTestHandler(t)
	rr := soapRequest(t, h, envelopeWith(`<NotAnOperation/>`))
	assert.Contains(t, rr.Body.String(), "Fault")
}

func TestMalformedEnvelopeFaults(t *testing.T) {
	h, _ := newTestHandler(t)
	rr := soapRequest(t, h, "not xml at all")
	assert.Contains(t, rr.Body.String(), "Fault")
}

func TestSubscribeThenGetSubscriptionIDsThenUnsubscribe(t *testing.T) {
	h, _ := newTestHandler(t)

	subscribeBody := envelopeWith(`<Subscribe><queryName>simpleEventQuery</queryName><subscriptionID>sub-1</subscriptionID><dest>https://example.com/hook</dest></Subscribe>`)
	rr := soapRequest(t, h, subscribeBody)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotContains(t, rr.Body.String(), "Fault")

	idsBody := envelopeWith(`<GetSubscriptionIDs><queryName>simpleEventQuery</queryName></GetSubscriptionIDs>`)
	rr = soapRequest(t, h, idsBody)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "sub-1")

	unsubscribeBody := envelopeWith(`<Unsubscribe><subscriptionID>sub-1</subscriptionID></Unsubscribe>`)
	rr = soapRequest(t, h, unsubscribeBody)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotContains(t, rr.Body.String(), "Fault")

	rr = soapRequest(t, h, idsBody)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "sub-1")
}

func TestGetQueryNamesListsSavedQueries(t *testing.T) {
	h, store := newTestHandler(t)
	store.namedQueries[key(tenantID, "simpleEventQuery")] = &epcis.NamedQuery{
		Name:     "simpleEventQuery",
		TenantID: tenantID,
	}

	rr := soapRequest(t, h, envelopeWith(`<GetQueryNames/>`))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "simpleEventQuery")
}

func TestPollRunsAgainstEmptyStore(t *testing.T) {
	h, _ := newTestHandler(t)
	pollBody := envelopeWith(`<Poll><queryName>simpleEventQuery</queryName><params><param><name>eventType</name><value>ObjectEvent</value></param></params></Poll>`)
	rr := soapRequest(t, h, pollBody)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "PollResult")
}
