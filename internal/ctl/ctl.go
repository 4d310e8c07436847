// Package ctl implements the CLI control client for communicating
// with a running cowfork server over its Unix socket or TCP API.
package ctl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/kahiteam/cowfork/internal/kernel"
	"github.com/kahiteam/cowfork/internal/scenario"
)

// ErrFailed is returned by Run when at least one scenario did not pass.
var ErrFailed = errors.New("scenario failed")

// Client communicates with a cowfork server API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
}

// NewUnixClient creates a client that connects via Unix socket.
func NewUnixClient(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 60 * time.Second,
		},
		baseURL: "http://unix",
	}
}

// NewTCPClient creates a client that connects via TCP.
func NewTCPClient(addr, username, password string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    "http://" + addr,
		username:   username,
		password:   password,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

func (c *Client) do(method, path string) (*http.Response, error) {
	req, err := c.newRequest(context.Background(), method, path)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp, nil
}

// doJSON issues a request and decodes a successful response into out.
func (c *Client) doJSON(method, path string, out any) error {
	resp, err := c.do(method, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["error"] == "" {
		return fmt.Errorf("server error (status %d)", resp.StatusCode)
	}
	return fmt.Errorf("%s", body["error"])
}

// --- Scenarios ---

// List prints the scenarios the server can run.
func (c *Client) List(jsonOutput bool, w io.Writer) error {
	var progs []scenario.Program
	if err := c.doJSON("GET", "/api/v1/scenarios", &progs); err != nil {
		return err
	}
	if jsonOutput {
		return writeIndented(w, progs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "NAME\tDESCRIPTION\n")
	for _, p := range progs {
		fmt.Fprintf(tw, "%s\t%s\n", p.Name, p.Description)
	}
	return tw.Flush()
}

// Run runs each named scenario on the server and prints the reports:
// full reports when verbose, otherwise a summary table. It returns
// ErrFailed when any scenario did not pass.
func (c *Client) Run(names []string, jsonOutput, verbose bool, w io.Writer) error {
	var reports []*scenario.Report
	for _, name := range names {
		var rep scenario.Report
		if err := c.doJSON("POST", "/api/v1/scenarios/"+url.PathEscape(name)+"/run", &rep); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		reports = append(reports, &rep)
	}
	if err := printReports(reports, jsonOutput, verbose, w); err != nil {
		return err
	}
	for _, r := range reports {
		if !r.Passed {
			return ErrFailed
		}
	}
	return nil
}

// Reports prints the reports the server has kept, optionally only those
// of one scenario. A non-empty env narrows each report to that
// environment and drops reports it did not run in.
func (c *Client) Reports(name, env string, jsonOutput, verbose bool, w io.Writer) error {
	q := url.Values{}
	if name != "" {
		q.Set("scenario", name)
	}
	if env != "" {
		id, err := kernel.ParseEnvID(env)
		if err != nil {
			return err
		}
		q.Set("env", id.String())
	}
	path := "/api/v1/reports"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var reports []*scenario.Report
	if err := c.doJSON("GET", path, &reports); err != nil {
		return err
	}
	return printReports(reports, jsonOutput, verbose, w)
}

func printReports(reports []*scenario.Report, jsonOutput, verbose bool, w io.Writer) error {
	if jsonOutput {
		return writeIndented(w, reports)
	}
	color := isTerminal(w)
	if !verbose {
		return scenario.WriteSummary(w, reports, color)
	}
	for i, r := range reports {
		if i > 0 {
			fmt.Fprintln(w)
		}
		if err := scenario.WriteReport(w, r, color); err != nil {
			return err
		}
	}
	return nil
}

// --- Server operations ---

// Version returns server version info.
func (c *Client) Version() (map[string]string, error) {
	var v map[string]string
	if err := c.doJSON("GET", "/api/v1/version", &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Health checks server liveness.
func (c *Client) Health() (string, error) {
	req, err := c.newRequest(context.Background(), "GET", "/healthz")
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("invalid response: %w", err)
	}
	return body["status"], nil
}

// Log copies the last n bytes of the server's log to w; n <= 0 copies
// everything the server holds.
func (c *Client) Log(n int, w io.Writer) error {
	path := "/api/v1/log"
	if n > 0 {
		path += fmt.Sprintf("?bytes=%d", n)
	}
	resp, err := c.do("GET", path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

// Events streams server events to w, one "TYPE data" line each, until
// ctx is done or the server closes the stream.
func (c *Client) Events(ctx context.Context, types []string, w io.Writer) error {
	path := "/api/v1/events/stream"
	if len(types) > 0 {
		path += "?types=" + url.QueryEscape(strings.Join(types, ","))
	}
	req, err := c.newRequest(ctx, "GET", path)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives the client's request timeout.
	hc := *c.httpClient
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiError(resp)
	}

	var event string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = line[len("event: "):]
		case strings.HasPrefix(line, "data: "):
			fmt.Fprintf(w, "%s %s\n", event, line[len("data: "):])
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}
