package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

func handleEvents(ctx context.Context, client *apiClient, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	eventType := fs.String("event-type", "", "filter: eventType (exact)")
	epc := fs.String("epc", "", "filter: EPC (exact)")
	bizStep := fs.String("biz-step", "", "filter: EQ_bizStep")
	geFrom := fs.String("from", "", "filter: GE_eventTime (RFC3339)")
	leTo := fs.String("to", "", "filter: LE_eventTime (RFC3339)")
	perPage := fs.Int("per-page", 50, "page size")
	nextPageToken := fs.String("next-page-token", "", "cursor from a prior page's X-Next-Page-Token")
	extra := fs.String("params", "", "additional raw query params, e.g. 'EQ_businessLocation=urn:epc:id:sgln:...,orderBy=eventTime'")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := url.Values{}
	if *eventType != "" {
		q.Set("eventType", *eventType)
	}
	if *epc != "" {
		q.Set("MATCH_epc", *epc)
	}
	if *bizStep != "" {
		q.Set("EQ_bizStep", *bizStep)
	}
	if *geFrom != "" {
		q.Set("GE_eventTime", *geFrom)
	}
	if *leTo != "" {
		q.Set("LE_eventTime", *leTo)
	}
	q.Set("perPage", fmt.Sprintf("%d", *perPage))
	if *nextPageToken != "" {
		q.Set("nextPageToken", *nextPageToken)
	}
	for k, vs := range parseKeyValueList(*extra) {
		for _, v := range vs {
			q.Add(k, v)
		}
	}

	data, headers, err := client.request(ctx, http.MethodGet, "/events?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	if token := headers.Get("X-Next-Page-Token"); token != "" {
		fmt.Println("Next page token:", token)
	}
	prettyPrint(data)
	return nil
}
