// Package soapapi implements the EPCIS 1.2 SOAP query binding (spec
// §6.2): one POST /Query.svc endpoint dispatching on the SOAP body's
// operation element. Stdlib encoding/xml does the envelope (de)coding —
// no SOAP toolkit appears anywhere in the example pack, so there is
// nothing to generalize from, so the envelope handling is built directly
// on the standard library rather than a third-party dependency.
package soapapi

import (
	"bytes"
	"encoding/xml"
	"net/http"

	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/internal/query"
	"github.com/Robert-Freire/epcis/internal/storage"
	"github.com/Robert-Freire/epcis/internal/subscription"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
	"github.com/Robert-Freire/epcis/pkg/epcislog"
)

const (
	vendorVersion   = "1.0"
	standardVersion = "1.2"
	soapNS          = "http://schemas.xmlsoap.org/soap/envelope/"
)

// Handler serves the SOAP query binding.
type Handler struct {
	store         storage.Store
	queryEngine   *query.Engine
	subscriptions *subscription.Engine
	log           *epcislog.Logger
}

// New builds a soapapi Handler.
func New(store storage.Store, queryEngine *query.Engine, subscriptions *subscription.Engine, log *epcislog.Logger) *Handler {
	return &Handler{store: store, queryEngine: queryEngine, subscriptions: subscriptions, log: log}
}

type envelope struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Body    struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"Body"`
}

// ServeHTTP decodes the envelope, dispatches by the body's operation
// element, and writes the SOAP response (or fault).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		h.writeFault(w, epciserr.MalformedDocument(err.Error()))
		return
	}

	var env envelope
	if err := xml.Unmarshal(buf.Bytes(), &env); err != nil {
		h.writeFault(w, epciserr.MalformedDocument(err.Error()))
		return
	}

	var op struct{ XMLName xml.Name }
	if err := xml.Unmarshal(env.Body.Inner, &op); err != nil {
		h.writeFault(w, epciserr.MalformedDocument(err.Error()))
		return
	}

	switch op.XMLName.Local {
	case "GetVendorVersion":
		h.respond(w, "GetVendorVersionResult", vendorVersion)
	case "GetStandardVersion":
		h.respond(w, "GetStandardVersionResult", standardVersion)
	case "GetQueryNames":
		h.handleGetQueryNames(w, r)
	case "Poll":
		h.handlePoll(w, r, env.Body.Inner)
	case "Subscribe":
		h.handleSubscribe(w, r, env.Body.Inner)
	case "Unsubscribe":
		h.handleUnsubscribe(w, r, env.Body.Inner)
	case "GetSubscriptionIDs":
		h.handleGetSubscriptionIDs(w, r, env.Body.Inner)
	default:
		h.writeFault(w, epciserr.InvalidParameterValue("operation", op.XMLName.Local))
	}
}

func (h *Handler) respond(w http.ResponseWriter, resultElement, value string) {
	type result struct {
		XMLName xml.Name
		Value   string `xml:",chardata"`
	}
	type respBody struct {
		XMLName xml.Name `xml:"soap:Body"`
		Result  result
	}
	env := struct {
		XMLName xml.Name `xml:"soap:Envelope"`
		XMLNS   string   `xml:"xmlns:soap,attr"`
		Body    respBody
	}{
		XMLNS: soapNS,
		Body:  respBody{Result: result{XMLName: xml.Name{Local: resultElement}, Value: value}},
	}
	h.writeXML(w, http.StatusOK, env)
}

func (h *Handler) writeXML(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(v)
}

// writeFault reports err as a SOAP 1.1 Fault: soap:Server for an
// unconverted internal error or a RepositoryError with a 5xx status,
// soap:Client for every other RepositoryError.
func (h *Handler) writeFault(w http.ResponseWriter, err error) {
	code, message := "soap:Server", "internal error"
	if re, ok := epciserr.AsRepositoryError(err); ok {
		code, message = "soap:Client", re.Message
		if re.HTTPStatus >= 500 {
			code = "soap:Server"
		}
	}
	type fault struct {
		XMLName xml.Name `xml:"Fault"`
		Code    string   `xml:"faultcode"`
		String  string   `xml:"faultstring"`
	}
	type faultBody struct {
		XMLName xml.Name `xml:"soap:Body"`
		Fault   fault
	}
	env := struct {
		XMLName xml.Name `xml:"soap:Envelope"`
		XMLNS   string   `xml:"xmlns:soap,attr"`
		Body    faultBody
	}{
		XMLNS: soapNS,
		Body:  faultBody{Fault: fault{Code: code, String: message}},
	}
	h.writeXML(w, http.StatusInternalServerError, env)
}

// handleGetQueryNames lists every named query saved by the caller's
// tenant — the closest EPCIS 1.2 equivalent of this repository's named-
// query model.
func (h *Handler) handleGetQueryNames(w http.ResponseWriter, r *http.Request) {
	tenantID := epcislog.GetTenantID(r.Context())
	var nqs []epcis.NamedQuery
	err := h.store.Tx(r.Context(), func(tx storage.Tx) error {
		var err error
		nqs, err = tx.ListNamedQueries(r.Context(), tenantID)
		return err
	})
	if err != nil {
		h.writeFault(w, err)
		return
	}
	names := make([]string, 0, len(nqs))
	for _, nq := range nqs {
		names = append(names, nq.Name)
	}
	h.respondStrings(w, "GetQueryNamesResult", names)
}

func (h *Handler) respondStrings(w http.ResponseWriter, resultElement string, values []string) {
	type result struct {
		XMLName xml.Name
		String  []string `xml:"string"`
	}
	type respBody struct {
		XMLName xml.Name `xml:"soap:Body"`
		Result  result
	}
	env := struct {
		XMLName xml.Name `xml:"soap:Envelope"`
		XMLNS   string   `xml:"xmlns:soap,attr"`
		Body    respBody
	}{
		XMLNS: soapNS,
		Body:  respBody{Result: result{XMLName: xml.Name{Local: resultElement}, String: values}},
	}
	h.writeXML(w, http.StatusOK, env)
}

type pollParam struct {
	Name  string `xml:"name"`
	Value string `xml:"value"`
}

type pollXML struct {
	XMLName   xml.Name    `xml:"Poll"`
	QueryName string      `xml:"queryName"`
	Params    []pollParam `xml:"params>param"`
}

// handlePoll decodes a Poll request's name/value parameter list and runs
// it through the same query.Engine the REST surface uses.
func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request, inner []byte) {
	var p pollXML
	if err := xml.Unmarshal(inner, &p); err != nil {
		h.writeFault(w, epciserr.MalformedDocument(err.Error()))
		return
	}

	params := map[string][]string{}
	for _, kv := range p.Params {
		params[kv.Name] = append(params[kv.Name], kv.Value)
	}

	req, err := query.Parse(params)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	tenantID := epcislog.GetTenantID(r.Context())
	result, err := h.queryEngine.Run(r.Context(), tenantID, false, req)
	if err != nil {
		h.writeFault(w, err)
		return
	}

	type pollResult struct {
		XMLName    xml.Name `xml:"PollResult"`
		EventCount int      `xml:"eventCount,attr"`
	}
	type pollBody struct {
		XMLName xml.Name `xml:"soap:Body"`
		Result  pollResult
	}
	env := struct {
		XMLName xml.Name `xml:"soap:Envelope"`
		XMLNS   string   `xml:"xmlns:soap,attr"`
		Body    pollBody
	}{XMLNS: soapNS, Body: pollBody{Result: pollResult{EventCount: len(result.Events)}}}
	h.writeXML(w, http.StatusOK, env)
}

type subscribeXML struct {
	XMLName        xml.Name `xml:"Subscribe"`
	QueryName      string   `xml:"queryName"`
	SubscriptionID string   `xml:"subscriptionID"`
	Dest           string   `xml:"dest"`
	ScheduleCron   string   `xml:"controls>schedule"`
}

// handleSubscribe registers a new subscription via the same
// subscription.Engine the REST surface uses: an OnSchedule trigger if the
// request carries a cron schedule element, OnCapture otherwise.
func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request, inner []byte) {
	var s subscribeXML
	if err := xml.Unmarshal(inner, &s); err != nil {
		h.writeFault(w, epciserr.MalformedDocument(err.Error()))
		return
	}
	if s.SubscriptionID == "" {
		h.writeFault(w, epciserr.InvalidParameterValue("subscriptionID", s.SubscriptionID))
		return
	}

	trigger := epcis.TriggerOnCapture
	if s.ScheduleCron != "" {
		trigger = epcis.TriggerOnSchedule
	}

	sub := &epcis.Subscription{
		Name:           s.SubscriptionID,
		TenantID:       epcislog.GetTenantID(r.Context()),
		QueryName:      s.QueryName,
		Destination:    s.Dest,
		Trigger:        trigger,
		CronExpression: s.ScheduleCron,
		Active:         true,
	}
	if err := h.subscriptions.Register(r.Context(), sub); err != nil {
		h.writeFault(w, err)
		return
	}
	h.respond(w, "SubscribeResult", "")
}

type unsubscribeXML struct {
	XMLName        xml.Name `xml:"Unsubscribe"`
	SubscriptionID string   `xml:"subscriptionID"`
}

func (h *Handler) handleUnsubscribe(w http.ResponseWriter, r *http.Request, inner []byte) {
	var u unsubscribeXML
	if err := xml.Unmarshal(inner, &u); err != nil {
		h.writeFault(w, epciserr.MalformedDocument(err.Error()))
		return
	}
	tenantID := epcislog.GetTenantID(r.Context())
	if err := h.subscriptions.Delete(r.Context(), tenantID, u.SubscriptionID); err != nil {
		h.writeFault(w, err)
		return
	}
	h.respond(w, "UnsubscribeResult", "")
}

type getSubscriptionIDsXML struct {
	XMLName   xml.Name `xml:"GetSubscriptionIDs"`
	QueryName string   `xml:"queryName"`
}

func (h *Handler) handleGetSubscriptionIDs(w http.ResponseWriter, r *http.Request, inner []byte) {
	var q getSubscriptionIDsXML
	if err := xml.Unmarshal(inner, &q); err != nil {
		h.writeFault(w, epciserr.MalformedDocument(err.Error()))
		return
	}

	tenantID := epcislog.GetTenantID(r.Context())
	subs, err := h.subscriptions.List(r.Context(), tenantID)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	var ids []string
	for _, s := range subs {
		if s.QueryName == q.QueryName {
			ids = append(ids, s.Name)
		}
	}
	h.respondStrings(w, "GetSubscriptionIDsResult", ids)
}
