// Package hostloop implements the AWS Lambda Extensions API client that
// drives the Cold-Start Orchestrator and per-invocation collection from the
// host's own event stream: register once, then long-poll for INVOKE and
// SHUTDOWN events.
package hostloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

const (
	extensionNameHeader = "Lambda-Extension-Name"
	extensionIDHeader   = "Lambda-Extension-Identifier"
)

// EventType identifies the kind of event returned by /event/next.
type EventType string

const (
	Invoke   EventType = "INVOKE"
	Shutdown EventType = "SHUTDOWN"
)

// Event is the body returned by GET /event/next.
type Event struct {
	EventType      EventType `json:"eventType"`
	RequestID      string    `json:"requestId,omitempty"`
	ShutdownReason string    `json:"shutdownReason,omitempty"`
	DeadlineMs     int64     `json:"deadlineMs,omitempty"`
}

// Client is a minimal Lambda Extensions API client. The zero value is not
// usable; build one with New.
type Client struct {
	baseURL     string
	name        string
	extensionID string
	httpClient  *http.Client
	logger      *slog.Logger
}

// New constructs a Client bound to the runtime API address read from
// AWS_LAMBDA_RUNTIME_API. It returns false if that variable is unset,
// meaning the process is not running as a Lambda extension.
func New(name string, logger *slog.Logger) (*Client, bool) {
	addr := os.Getenv("AWS_LAMBDA_RUNTIME_API")
	if addr == "" {
		return nil, false
	}
	return &Client{
		baseURL: fmt.Sprintf("http://%s/2020-01-01/extension", addr),
		name:    name,
		// The long poll on /event/next can legitimately block for the
		// entire duration between invocations, so no client-side timeout
		// is applied beyond the caller's context.
		httpClient: &http.Client{},
		logger:     logger,
	}, true
}

// Register subscribes the extension to INVOKE and SHUTDOWN events.
func (c *Client) Register(ctx context.Context) error {
	body, err := json.Marshal(map[string][]string{"events": {string(Invoke), string(Shutdown)}})
	if err != nil {
		return fmt.Errorf("hostloop: marshal register body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/register", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("hostloop: build register request: %w", err)
	}
	req.Header.Set(extensionNameHeader, c.name)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hostloop: register: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("hostloop: register: unexpected status %d: %s", resp.StatusCode, b)
	}

	c.extensionID = resp.Header.Get(extensionIDHeader)
	if c.extensionID == "" {
		return fmt.Errorf("hostloop: register: missing %s in response", extensionIDHeader)
	}
	return nil
}

// Next blocks until the host delivers the next event.
func (c *Client) Next(ctx context.Context) (Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event/next", nil)
	if err != nil {
		return Event{}, fmt.Errorf("hostloop: build next-event request: %w", err)
	}
	req.Header.Set(extensionIDHeader, c.extensionID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Event{}, fmt.Errorf("hostloop: next event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return Event{}, fmt.Errorf("hostloop: next event: unexpected status %d: %s", resp.StatusCode, b)
	}

	var ev Event
	if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
		return Event{}, fmt.Errorf("hostloop: decode next event: %w", err)
	}
	return ev, nil
}

// Run registers the client and then loops on Next until ctx is cancelled or
// a SHUTDOWN event arrives, calling onInvoke for every INVOKE and
// onShutdown once for the terminal SHUTDOWN.
func (c *Client) Run(ctx context.Context, onInvoke func(ctx context.Context, requestID string), onShutdown func(reason string)) error {
	if err := c.Register(ctx); err != nil {
		return err
	}

	for {
		ev, err := c.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("hostloop: next event failed", slog.Any("error", err))
			time.Sleep(time.Second)
			continue
		}

		switch ev.EventType {
		case Invoke:
			onInvoke(ctx, ev.RequestID)
		case Shutdown:
			onShutdown(ev.ShutdownReason)
			return nil
		default:
			c.logger.Warn("hostloop: unknown event type", slog.String("event_type", string(ev.EventType)))
		}
	}
}
