package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
)

func handleCapture(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		fmt.Println(`Usage:
  epcisctl capture submit --file <path> [--content-type application/json]
  epcisctl capture list [--limit 50] [--offset 0]
  epcisctl capture get <capture-id>`)
		return nil
	}

	switch args[0] {
	case "submit":
		fs := flag.NewFlagSet("capture submit", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var file, contentType string
		fs.StringVar(&file, "file", "", "path to an EPCIS capture document (required)")
		fs.StringVar(&contentType, "content-type", "application/json", "Content-Type of the document")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if file == "" {
			return errors.New("--file is required")
		}
		body, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		data, headers, err := client.requestFile(ctx, http.MethodPost, "/capture", body, contentType)
		if err != nil {
			return err
		}
		if loc := headers.Get("Location"); loc != "" {
			fmt.Println("Location:", loc)
		}
		prettyPrint(data)
	case "list":
		fs := flag.NewFlagSet("capture list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		limit := fs.Int("limit", 50, "max results")
		offset := fs.Int("offset", 0, "result offset")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		path := fmt.Sprintf("/capture?perPage=%d&offset=%d", *limit, *offset)
		data, _, err := client.request(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "get":
		if len(args) < 2 {
			return errors.New("capture id required")
		}
		data, _, err := client.request(ctx, http.MethodGet, "/capture/"+args[1], nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	default:
		return fmt.Errorf("unknown capture subcommand %q", args[0])
	}
	return nil
}

func handleDiscover(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		fmt.Println(`Usage:
  epcisctl discover <eventTypes|epcs|bizSteps|bizLocations|readPoints|dispositions>`)
		return nil
	}
	switch args[0] {
	case "eventTypes", "epcs", "bizSteps", "bizLocations", "readPoints", "dispositions":
		data, _, err := client.request(ctx, http.MethodGet, "/"+args[0], nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
		return nil
	default:
		return fmt.Errorf("unknown discover kind %q", args[0])
	}
}
