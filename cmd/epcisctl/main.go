// Command epcisctl is the operator companion CLI for epcisd: capture
// documents, run ad-hoc queries, and manage named queries and
// subscriptions against a running repository over its REST surface.
// Grounded on the teacher's cmd/slctl: a flag.NewFlagSet global parse,
// a single apiClient wrapping basic-auth HTTP calls, and a subcommand
// switch per noun.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	defaultAddr := getenv("EPCIS_ADDR", "http://localhost:8080")
	defaultUser := os.Getenv("EPCIS_USER")
	defaultPassword := os.Getenv("EPCIS_PASSWORD")

	root := flag.NewFlagSet("epcisctl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	addrFlag := root.String("addr", defaultAddr, "repository base URL (env EPCIS_ADDR)")
	userFlag := root.String("user", defaultUser, "Basic Auth username (env EPCIS_USER)")
	passwordFlag := root.String("password", defaultPassword, "Basic Auth password (env EPCIS_PASSWORD)")
	timeoutFlag := root.Duration("timeout", 15*time.Second, "HTTP request timeout")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	client := &apiClient{
		baseURL:  strings.TrimRight(*addrFlag, "/"),
		username: *userFlag,
		password: *passwordFlag,
		http:     &http.Client{Timeout: *timeoutFlag},
	}

	switch remaining[0] {
	case "capture":
		return handleCapture(ctx, client, remaining[1:])
	case "events":
		return handleEvents(ctx, client, remaining[1:])
	case "queries":
		return handleQueries(ctx, client, remaining[1:])
	case "subscriptions":
		return handleSubscriptions(ctx, client, remaining[1:])
	case "discover":
		return handleDiscover(ctx, client, remaining[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func usageError(err error) error {
	printRootUsage()
	return err
}

func printRootUsage() {
	fmt.Println(`EPCIS repository CLI (epcisctl)

Usage:
  epcisctl [global flags] <command> [subcommand] [flags]

Global Flags:
  --addr       repository base URL (env EPCIS_ADDR, default http://localhost:8080)
  --user       Basic Auth username (env EPCIS_USER)
  --password   Basic Auth password (env EPCIS_PASSWORD)
  --timeout    HTTP timeout (default 15s)

Commands:
  capture        submit a capture document, or list/get captures
  events         run an ad-hoc query against /events
  queries        manage named queries
  subscriptions  manage standing subscriptions
  discover       list known eventTypes/epcs/bizSteps/bizLocations/readPoints/dispositions`)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type apiClient struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// request issues method against path with an optional JSON payload and
// returns the raw response body together with the response headers.
func (c *apiClient) request(ctx context.Context, method, path string, payload any) ([]byte, http.Header, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header, err
	}
	if resp.StatusCode >= 300 {
		return nil, resp.Header, fmt.Errorf("%s %s: %s (status %d)", method, path, strings.TrimSpace(string(data)), resp.StatusCode)
	}
	return data, resp.Header, nil
}

// requestFile issues method against path with an arbitrary body and
// content type, for capture submission (JSON-LD or XML documents).
func (c *apiClient) requestFile(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header, err
	}
	if resp.StatusCode >= 300 {
		return nil, resp.Header, fmt.Errorf("%s %s: %s (status %d)", method, path, strings.TrimSpace(string(data)), resp.StatusCode)
	}
	return data, resp.Header, nil
}

func prettyPrint(data []byte) {
	if len(data) == 0 {
		fmt.Println("(empty)")
		return
	}
	var dst bytes.Buffer
	if err := json.Indent(&dst, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(dst.String())
}

func parseKeyValueList(input string) map[string][]string {
	out := map[string][]string{}
	if strings.TrimSpace(input) == "" {
		return out
	}
	for _, pair := range strings.Split(input, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			continue
		}
		out[kv[0]] = append(out[kv[0]], kv[1])
	}
	return out
}
