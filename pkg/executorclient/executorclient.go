// Package executorclient is a thin HTTP client for the executor contract
// that runs inside each sandbox: a health probe and a streaming
// command-execution endpoint.
package executorclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sandboxlabs/sandboxd/pkg/events"
)

// Client talks to one sandbox's executor process.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a Client pointed at a sandbox's IP (e.g.
// "http://10.1.2.3:8080").
func New(baseURL string) *Client {
	return &Client{baseURL: baseURL, httpClient: &http.Client{}}
}

// Healthy reports whether GET /healthz returned 2xx within ctx.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

type executeRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type wireEvent struct {
	Type     string `json:"$type"`
	PID      int    `json:"pid"`
	Stream   string `json:"stream"`
	Data     []byte `json:"data"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut"`
}

// Execute streams POST /api/execute's text/event-stream response onto
// stream, decoding each "data: <json>" record per its "$type"
// discriminator. Unless ctx is cancelled first, it emits exactly one
// terminal event (Completed) before returning, synthesizing
// Completed(exitCode=-1) if the connection fails or the stream ends
// without one (§4.5). The stream is closed when Execute returns.
func (c *Client) Execute(ctx context.Context, command string, timeoutSeconds int, stream *events.Stream[events.ExecutionEvent]) {
	defer stream.Close()
	body, err := json.Marshal(executeRequest{Command: command, TimeoutSeconds: timeoutSeconds})
	if err != nil {
		stream.Emit(ctx, events.CompletedEvent{ExitCode: -1})
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/execute", bytes.NewReader(body))
	if err != nil {
		stream.Emit(ctx, events.CompletedEvent{ExitCode: -1})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		stream.Emit(ctx, events.CompletedEvent{ExitCode: -1})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		stream.Emit(ctx, events.CompletedEvent{ExitCode: -1})
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	sawTerminal := false
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var we wireEvent
		if err := json.Unmarshal([]byte(payload), &we); err != nil {
			continue
		}

		switch we.Type {
		case "OutputEvent":
			if !stream.Emit(ctx, events.OutputEvent{PID: we.PID, Stream: we.Stream, Data: we.Data}) {
				return
			}
		case "CompletedEvent":
			sawTerminal = true
			stream.Emit(ctx, events.CompletedEvent{PID: we.PID, ExitCode: we.ExitCode, TimedOut: we.TimedOut})
			return
		}
	}

	if !sawTerminal {
		stream.Emit(ctx, events.CompletedEvent{ExitCode: -1})
	}
}

// HealthzURL is exposed for callers that want to wire a lifecycle
// tracker's HTTPChecker directly at the same address convention Execute
// uses (port embedded in baseURL).
func HealthzURL(host string, port int) string {
	return fmt.Sprintf("http://%s:%s/healthz", host, strconv.Itoa(port))
}
