package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
)

func handleQueries(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		fmt.Println(`Usage:
  epcisctl queries create --name <name> --params key=value,key=value
  epcisctl queries run <name> [--per-page 50] [--next-page-token <token>]
  epcisctl queries delete <name>`)
		return nil
	}

	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("queries create", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var name, params string
		fs.StringVar(&name, "name", "", "query name (required)")
		fs.StringVar(&params, "params", "", "comma-separated key=value query parameters")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if name == "" {
			return errors.New("--name is required")
		}
		payload := map[string]any{"name": name, "parameters": parseKeyValueList(params)}
		data, headers, err := client.request(ctx, http.MethodPost, "/queries", payload)
		if err != nil {
			return err
		}
		if loc := headers.Get("Location"); loc != "" {
			fmt.Println("Location:", loc)
		}
		prettyPrint(data)
	case "run":
		if len(args) < 2 {
			return errors.New("query name required")
		}
		name := args[1]
		fs := flag.NewFlagSet("queries run", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		perPage := fs.Int("per-page", 50, "page size")
		nextPageToken := fs.String("next-page-token", "", "cursor from a prior page")
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		path := fmt.Sprintf("/queries/%s/events?perPage=%d", name, *perPage)
		if *nextPageToken != "" {
			path += "&nextPageToken=" + *nextPageToken
		}
		data, headers, err := client.request(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		if token := headers.Get("X-Next-Page-Token"); token != "" {
			fmt.Println("Next page token:", token)
		}
		prettyPrint(data)
	case "delete":
		if len(args) < 2 {
			return errors.New("query name required")
		}
		_, _, err := client.request(ctx, http.MethodDelete, "/queries/"+args[1], nil)
		return err
	default:
		return fmt.Errorf("unknown queries subcommand %q", args[0])
	}
	return nil
}

func handleSubscriptions(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		fmt.Println(`Usage:
  epcisctl subscriptions create <query-name> --id <subscription-id> --dest <url> [--trigger OnCapture|OnSchedule] [--cron "* * * * *"]
  epcisctl subscriptions delete <query-name> <subscription-id>`)
		return nil
	}

	switch args[0] {
	case "create":
		if len(args) < 2 {
			return errors.New("query name required")
		}
		queryName := args[1]
		fs := flag.NewFlagSet("subscriptions create", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var id, dest, trigger, cron string
		var reportIfEmpty bool
		fs.StringVar(&id, "id", "", "subscription id (required)")
		fs.StringVar(&dest, "dest", "", "delivery destination URL (required)")
		fs.StringVar(&trigger, "trigger", "OnCapture", "OnCapture or OnSchedule")
		fs.StringVar(&cron, "cron", "", "cron expression, required when --trigger=OnSchedule")
		fs.BoolVar(&reportIfEmpty, "report-if-empty", false, "deliver notifications even with zero matching events")
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		if id == "" || dest == "" {
			return errors.New("--id and --dest are required")
		}
		payload := map[string]any{
			"subscriptionID": id,
			"dest":           dest,
			"trigger":        trigger,
			"cronExpression": cron,
			"reportIfEmpty":  reportIfEmpty,
		}
		data, headers, err := client.request(ctx, http.MethodPost, "/queries/"+queryName+"/subscriptions", payload)
		if err != nil {
			return err
		}
		if loc := headers.Get("Location"); loc != "" {
			fmt.Println("Location:", loc)
		}
		prettyPrint(data)
	case "delete":
		if len(args) < 3 {
			return errors.New("query name and subscription id required")
		}
		_, _, err := client.request(ctx, http.MethodDelete, "/queries/"+args[1]+"/subscriptions/"+args[2], nil)
		return err
	default:
		return fmt.Errorf("unknown subscriptions subcommand %q", args[0])
	}
	return nil
}
