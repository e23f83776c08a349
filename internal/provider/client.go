package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/haasonsaas/codexd/pkg/protocol"
)

// Version is reported in the User-Agent.
const Version = "0.1.0"

// OriginatorOverrideEnv overrides the originator header value.
const OriginatorOverrideEnv = "CODEX_INTERNAL_ORIGINATOR_OVERRIDE"

const defaultOriginator = "codexd"

const (
	maxRetries     = 4
	initialBackoff = 500 * time.Millisecond
)

// ErrStreamClosed is returned when the provider ends the stream without a
// terminal event.
var ErrStreamClosed = errors.New("provider: stream closed before response.completed")

// Client speaks the /responses SSE protocol.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	originator string
	userAgent  string

	lastRateLimits *protocol.RateLimitSnapshot
}

// NewClient creates a provider client for the given base URL.
func NewClient(baseURL, apiKey string) *Client {
	originator := os.Getenv(OriginatorOverrideEnv)
	if originator == "" {
		originator = defaultOriginator
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpc:      &http.Client{},
		limiter:    rate.NewLimiter(rate.Every(200*time.Millisecond), 4),
		logger:     slog.Default().With("component", "provider"),
		originator: originator,
		userAgent:  buildUserAgent(originator),
	}
}

// UserAgent returns the computed User-Agent header value.
func (c *Client) UserAgent() string { return c.userAgent }

// RateLimits returns the snapshot parsed from the most recent response
// headers, or nil before the first response.
func (c *Client) RateLimits() *protocol.RateLimitSnapshot { return c.lastRateLimits }

// buildUserAgent renders "<originator>/<version> (<OS> <OSver>; <arch>) <terminal>".
func buildUserAgent(originator string) string {
	return fmt.Sprintf("%s/%s (%s %s; %s) %s",
		originator, Version, osName(), osVersion(), runtime.GOARCH, terminalName())
}

func osName() string {
	switch runtime.GOOS {
	case "darwin":
		return "Mac OS"
	case "windows":
		return "Windows"
	default:
		return strings.ToUpper(runtime.GOOS[:1]) + runtime.GOOS[1:]
	}
}

func osVersion() string {
	if runtime.GOOS == "linux" {
		if data, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return "unknown"
}

func terminalName() string {
	if term := os.Getenv("TERM_PROGRAM"); term != "" {
		return term
	}
	if term := os.Getenv("TERM"); term != "" {
		return term
	}
	return "unknown"
}

// Stream opens the SSE stream for one request. Events arrive on the
// returned channel; it closes after a terminal event or transport error.
// Cancelling ctx aborts the in-flight request.
func (c *Client) Stream(ctx context.Context, req *Request) (<-chan ResponseEvent, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("provider: encode request: %w", err)
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	c.captureRateLimits(resp.Header)

	out := make(chan ResponseEvent, 16)
	go c.consume(ctx, resp.Body, out)
	return out, nil
}

// post sends the request, retrying 429 and 5xx with exponential backoff.
func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("provider: build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("originator", c.originator)
		httpReq.Header.Set("User-Agent", c.userAgent)
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpc.Do(httpReq)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		} else if resp.StatusCode == http.StatusOK {
			return resp, nil
		} else {
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = fmt.Errorf("provider: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
			if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
				return nil, lastErr
			}
			if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
				if secs, err := strconv.Atoi(retryAfter); err == nil {
					backoff = time.Duration(secs) * time.Second
				}
			}
		}

		if attempt < maxRetries {
			c.logger.Debug("retrying provider request", "attempt", attempt+1, "backoff", backoff, "error", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}
	return nil, lastErr
}

func (c *Client) consume(ctx context.Context, body io.ReadCloser, out chan<- ResponseEvent) {
	defer close(out)
	defer body.Close()

	emit := func(ev ResponseEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 10<<20)

	var eventName string
	var data bytes.Buffer
	flush := func() (done bool) {
		defer func() {
			eventName = ""
			data.Reset()
		}()
		if eventName == "" && data.Len() == 0 {
			return false
		}
		switch EventKind(eventName) {
		case EventCreated:
			return !emit(ResponseEvent{Kind: EventCreated})
		case EventOutputItemDone:
			var payload struct {
				Item protocol.ResponseItem `json:"item"`
			}
			if err := json.Unmarshal(data.Bytes(), &payload); err != nil {
				c.logger.Warn("malformed output_item.done payload", "error", err)
				return false
			}
			return !emit(ResponseEvent{Kind: EventOutputItemDone, Item: &payload.Item})
		case EventCompleted:
			var payload struct {
				Response struct {
					Usage *protocol.TokenUsage `json:"usage"`
				} `json:"response"`
			}
			if err := json.Unmarshal(data.Bytes(), &payload); err != nil {
				c.logger.Warn("malformed response.completed payload", "error", err)
			}
			emit(ResponseEvent{Kind: EventCompleted, Usage: payload.Response.Usage})
			return true
		case EventFailed, EventError:
			var payload struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
				Message string `json:"message"`
			}
			_ = json.Unmarshal(data.Bytes(), &payload)
			message := payload.Error.Message
			if message == "" {
				message = payload.Message
			}
			if message == "" {
				message = "provider reported an error"
			}
			emit(ResponseEvent{Kind: EventError, Err: errors.New(message)})
			return true
		default:
			c.logger.Debug("ignoring unknown SSE event", "event", eventName)
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if flush() {
				return
			}
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if flush() {
		return
	}

	err := scanner.Err()
	if err == nil {
		err = ErrStreamClosed
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	select {
	case out <- ResponseEvent{Kind: EventError, Err: err}:
	case <-ctx.Done():
	}
}

func (c *Client) captureRateLimits(h http.Header) {
	parse := func(prefix string) *protocol.RateLimitWindow {
		used := h.Get("x-codex-" + prefix + "-used-percent")
		if used == "" {
			return nil
		}
		window := &protocol.RateLimitWindow{}
		if v, err := strconv.ParseFloat(used, 64); err == nil {
			window.UsedPercent = v
		}
		if v, err := strconv.ParseInt(h.Get("x-codex-"+prefix+"-window-minutes"), 10, 64); err == nil {
			window.WindowMinutes = v
		}
		if v, err := strconv.ParseInt(h.Get("x-codex-"+prefix+"-resets-in-seconds"), 10, 64); err == nil {
			window.ResetsInSecond = v
		}
		return window
	}

	primary := parse("primary")
	secondary := parse("secondary")
	if primary == nil && secondary == nil {
		return
	}
	c.lastRateLimits = &protocol.RateLimitSnapshot{Primary: primary, Secondary: secondary}
}
