package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/internal/query"
	"github.com/Robert-Freire/epcis/internal/storage"
	"github.com/Robert-Freire/epcis/pkg/epcislog"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
)

// api holds the handler methods; a thin receiver over Deps so each
// handler reads as a short, named method rather than a closure literal.
type api struct{ d *Deps }

func tenantOf(r *http.Request) string { return epcislog.GetTenantID(r.Context()) }

// postCapture implements POST /capture (spec §6.1, §6.4).
func (a *api) postCapture(w http.ResponseWriter, r *http.Request) {
	contentType := stripParams(r.Header.Get("Content-Type"))
	if isSOAPEnvelope(contentType, r) {
		writeError(w, epciserr.UnsupportedContentType(contentType))
		return
	}

	body, err := readBody(r, a.d.Config.CaptureSizeLimit)
	if err != nil {
		writeError(w, epciserr.MalformedDocument(err.Error()))
		return
	}
	if int64(len(body)) > a.d.Config.CaptureSizeLimit {
		writeError(w, epciserr.OversizedDocument(a.d.Config.CaptureSizeLimit, int64(len(body))))
		return
	}

	cap, err := decodeByContentType(contentType, body, a.d.Config.CaptureSizeLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	cap.TenantID = tenantOf(r)

	stored, err := a.d.Capture.Store(r.Context(), cap)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Location", "/capture/"+stored.CaptureID)
	writeJSON(w, http.StatusCreated, map[string]string{"captureId": stored.CaptureID})
}

// listCaptures implements GET /capture.
func (a *api) listCaptures(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "perPage", 50)
	offset := queryInt(r, "offset", 0)
	caps, err := a.d.Store.ListCaptures(r.Context(), tenantOf(r), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, caps)
}

// getCapture implements GET /capture/{id}: loads the capture header, then
// hydrates its own events via the same two-phase retrieval the query
// engine uses, scoped to this one capture rather than a caller predicate.
func (a *api) getCapture(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tenantID := tenantOf(r)

	cap, err := a.d.Store.GetCapture(r.Context(), tenantID, id)
	if err != nil {
		writeError(w, err)
		return
	}

	err = a.d.Store.Tx(r.Context(), func(tx storage.Tx) error {
		pred := storage.And{Children: []storage.Predicate{
			storage.Eq{Field: "tenantId", Value: tenantID},
			storage.Eq{Field: "captureId", Value: strconv.FormatInt(cap.ID, 10)},
		}}
		ids, err := tx.EventIdsMatching(r.Context(), tenantID, pred, storage.Order{Key: "eventTime", Ascending: true}, storage.LimitSpec{Max: a.d.Config.MaxEventsPerCall})
		if err != nil {
			return err
		}
		cap.Events, err = tx.HydrateEvents(r.Context(), ids)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeCapture(w, r, cap)
}

// getEvents implements GET /events: the dynamic query grammar (spec §4.6).
func (a *api) getEvents(w http.ResponseWriter, r *http.Request) {
	a.runQuery(w, r, r.URL.Query())
}

// discovery implements the GET /eventTypes, /epcs, /bizSteps, /bizLocations,
// /readPoints, /dispositions helpers (spec §6.1).
func (a *api) discovery(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		values, err := a.d.Store.DiscoveryValues(r.Context(), tenantOf(r), kind)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, values)
	}
}

type namedQueryRequest struct {
	Name       string              `json:"name"`
	Parameters map[string][]string `json:"parameters"`
}

// postNamedQuery implements POST /queries: saves a parameter set under a
// caller-chosen name for repeated execution.
func (a *api) postNamedQuery(w http.ResponseWriter, r *http.Request) {
	var req namedQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, epciserr.MalformedDocument(err.Error()))
		return
	}
	if req.Name == "" {
		writeError(w, epciserr.InvalidParameterValue("name", req.Name))
		return
	}
	if _, err := query.Parse(req.Parameters); err != nil {
		writeError(w, err)
		return
	}

	nq := &epcis.NamedQuery{Name: req.Name, TenantID: tenantOf(r), Parameters: req.Parameters}
	err := a.d.Store.Tx(r.Context(), func(tx storage.Tx) error {
		return tx.UpsertNamedQuery(r.Context(), nq)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/queries/"+nq.Name+"/events")
	w.WriteHeader(http.StatusCreated)
}

// getNamedQueryEvents implements GET /queries/{name}/events: re-runs the
// saved parameter set, merged with any ad-hoc paging parameters on this
// specific request (nextPageToken, perPage).
func (a *api) getNamedQueryEvents(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	tenantID := tenantOf(r)

	var nq *epcis.NamedQuery
	err := a.d.Store.Tx(r.Context(), func(tx storage.Tx) error {
		var err error
		nq, err = tx.GetNamedQuery(r.Context(), tenantID, name)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}

	params := map[string][]string{}
	for k, v := range nq.Parameters {
		params[k] = v
	}
	for k, v := range r.URL.Query() {
		if k == "nextPageToken" || k == "perPage" {
			params[k] = v
		}
	}
	a.runQuery(w, r, params)
}

// deleteNamedQuery implements DELETE /queries/{name}.
func (a *api) deleteNamedQuery(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	err := a.d.Store.Tx(r.Context(), func(tx storage.Tx) error {
		return tx.DeleteNamedQuery(r.Context(), tenantOf(r), name)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) runQuery(w http.ResponseWriter, r *http.Request, params map[string][]string) {
	req, err := query.Parse(params)
	if err != nil {
		writeError(w, err)
		return
	}
	tenantID := tenantOf(r)
	result, err := a.d.Query.Run(r.Context(), tenantID, a.d.Config.IsSuperUser(tenantID), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if result.NextPageToken != "" {
		w.Header().Set("X-Next-Page-Token", result.NextPageToken)
	}
	writeQueryResults(w, r, result.Events)
}

type subscriptionRequest struct {
	SubscriptionID string              `json:"subscriptionID"`
	Parameters     map[string][]string `json:"parameters"`
	Destination    string              `json:"dest"`
	ReportIfEmpty  bool                `json:"reportIfEmpty"`
	Trigger        string              `json:"trigger"`
	CronExpression string              `json:"cronExpression"`
}

// postSubscription implements POST /queries/{name}/subscriptions.
func (a *api) postSubscription(w http.ResponseWriter, r *http.Request) {
	queryName := mux.Vars(r)["name"]
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, epciserr.MalformedDocument(err.Error()))
		return
	}
	if req.SubscriptionID == "" {
		writeError(w, epciserr.InvalidParameterValue("subscriptionID", req.SubscriptionID))
		return
	}

	trigger := epcis.TriggerOnCapture
	if req.Trigger == string(epcis.TriggerOnSchedule) {
		trigger = epcis.TriggerOnSchedule
	}

	sub := &epcis.Subscription{
		Name:           req.SubscriptionID,
		TenantID:       tenantOf(r),
		QueryName:      queryName,
		Parameters:     req.Parameters,
		Destination:    req.Destination,
		ReportIfEmpty:  req.ReportIfEmpty,
		Trigger:        trigger,
		CronExpression: req.CronExpression,
		Active:         true,
	}
	if err := a.d.Subscriptions.Register(r.Context(), sub); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/queries/"+queryName+"/subscriptions/"+sub.Name)
	w.WriteHeader(http.StatusCreated)
}

// deleteSubscription implements DELETE /queries/{name}/subscriptions/{subscriptionId}.
func (a *api) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.d.Subscriptions.Delete(r.Context(), tenantOf(r), vars["subscriptionId"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func stripParams(contentType string) string {
	for i, c := range contentType {
		if c == ';' {
			return contentType[:i]
		}
	}
	return contentType
}

func isSOAPEnvelope(contentType string, r *http.Request) bool {
	return contentType == "text/xml" && r.Header.Get("SOAPAction") != ""
}
