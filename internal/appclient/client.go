// Package appclient is a typed client for the hub's agent CLI API.
package appclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/agthub/internal/api"
	"github.com/g960059/agthub/internal/config"
)

type Client struct {
	baseURL      string
	token        string
	client       *http.Client
	unaryTimeout time.Duration
}

const (
	eventScannerInitialBuffer = 64 * 1024
	eventScannerMaxBuffer     = 10 * 1024 * 1024
	defaultUnaryTimeout       = 10 * time.Second
	protocolHeader            = "X-Hapi-Protocol-Version"
)

var (
	ErrEventPayloadInvalid = errors.New("event payload invalid")
	ErrProtocolMismatch    = errors.New("hub protocol version mismatch")
)

func New(baseURL, token string) *Client {
	return NewWithClient(baseURL, token, nil)
}

func NewWithClient(baseURL, token string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        strings.TrimSpace(token),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.call(ctx, http.MethodGet, "/health", nil, nil, &out)
	return out, err
}

// CreateSession returns the session for req.Tag, creating it on first use.
func (c *Client) CreateSession(ctx context.Context, req api.CreateSessionRequest) (api.Session, error) {
	if strings.TrimSpace(req.Tag) == "" {
		return api.Session{}, errors.New("session tag is required")
	}
	var out api.SessionEnvelope
	err := c.call(ctx, http.MethodPost, "/cli/sessions", nil, req, &out)
	return out.Session, err
}

func (c *Client) GetSession(ctx context.Context, id string) (api.Session, error) {
	path, err := idPath("/cli/sessions/", id, "")
	if err != nil {
		return api.Session{}, err
	}
	var out api.SessionEnvelope
	err = c.call(ctx, http.MethodGet, path, nil, nil, &out)
	return out.Session, err
}

// Messages returns messages with seq greater than afterSeq, oldest first.
func (c *Client) Messages(ctx context.Context, id string, afterSeq int64, limit int) ([]api.Message, error) {
	path, err := idPath("/cli/sessions/", id, "/messages")
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	query.Set("afterSeq", strconv.FormatInt(afterSeq, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out api.MessagesEnvelope
	err = c.call(ctx, http.MethodGet, path, query, nil, &out)
	return out.Messages, err
}

func (c *Client) RegisterMachine(ctx context.Context, req api.CreateMachineRequest) (api.Machine, error) {
	if strings.TrimSpace(req.ID) == "" {
		return api.Machine{}, errors.New("machine id is required")
	}
	var out api.MachineEnvelope
	err := c.call(ctx, http.MethodPost, "/cli/machines", nil, req, &out)
	return out.Machine, err
}

func (c *Client) GetMachine(ctx context.Context, id string) (api.Machine, error) {
	path, err := idPath("/cli/machines/", id, "")
	if err != nil {
		return api.Machine{}, err
	}
	var out api.MachineEnvelope
	err = c.call(ctx, http.MethodGet, path, nil, nil, &out)
	return out.Machine, err
}

// Spawn asks the machine to start a session. A failure reported by the
// machine comes back as a response with Type "error", not as an error.
func (c *Client) Spawn(ctx context.Context, machineID string, req api.SpawnRequest) (api.SpawnResponse, error) {
	path, err := idPath("/cli/machines/", machineID, "/spawn")
	if err != nil {
		return api.SpawnResponse{}, err
	}
	var out api.SpawnResponse
	err = c.call(ctx, http.MethodPost, path, nil, req, &out)
	return out, err
}

func (c *Client) RestartSessions(ctx context.Context, req api.RestartRequest) (api.RestartResponse, error) {
	var out api.RestartResponse
	err := c.call(ctx, http.MethodPost, "/cli/restart-sessions", nil, req, &out)
	return out, err
}

func idPath(prefix, id, suffix string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("id is required")
	}
	return prefix + url.PathEscape(id) + suffix, nil
}

type FollowOptions struct {
	SessionID       string
	MachineID       string
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	Once            bool
}

// FollowEvents streams namespace events and reconnects with backoff until
// ctx ends, onEvent fails or a non-retryable error is returned.
func (c *Client) FollowEvents(ctx context.Context, opts FollowOptions, onEvent func(api.SyncEvent) error) error {
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	query := url.Values{}
	if id := strings.TrimSpace(opts.SessionID); id != "" {
		query.Set("sessionId", id)
	}
	if id := strings.TrimSpace(opts.MachineID); id != "" {
		query.Set("machineId", id)
	}
	backoff := minBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		connected, err := c.streamEvents(ctx, query, onEvent)
		if connected {
			backoff = minBackoff
		}
		var cbErr *callbackError
		if errors.As(err, &cbErr) {
			return cbErr.err
		}
		if err == nil || opts.Once {
			return err
		}
		if errors.Is(err, ErrEventPayloadInvalid) || errors.Is(err, ErrProtocolMismatch) {
			return err
		}
		var reqErr *RequestError
		if errors.As(err, &reqErr) && !reqErr.Retryable() {
			return err
		}
		if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
			return waitErr
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

type callbackError struct {
	err error
}

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

// streamEvents reads one SSE connection. connected reports whether the hub
// accepted the stream.
func (c *Client) streamEvents(ctx context.Context, query url.Values, onEvent func(api.SyncEvent) error) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/events", query, nil, true)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close() //nolint:errcheck

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, eventScannerInitialBuffer), eventScannerMaxBuffer)
	var name string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if name == api.EventConnectionChange || onEvent == nil {
				continue
			}
			var ev api.SyncEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				return true, fmt.Errorf("%w: decode event: %v", ErrEventPayloadInvalid, err)
			}
			if ev.Type == "" {
				ev.Type = name
			}
			if err := onEvent(ev); err != nil {
				return true, &callbackError{err: err}
			}
		case line == "":
			name = ""
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return true, err
	}
	if err := ctx.Err(); err != nil {
		return true, err
	}
	return true, io.ErrUnexpectedEOF
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	resp, err := c.do(ctx, method, path, query, body, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// do sends the request and turns error statuses into *RequestError. The
// caller closes the body of a successful response.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, longLived bool) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	var cancel context.CancelFunc
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			if cancel != nil {
				cancel()
			}
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}
	if cancel != nil {
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	}
	if v := resp.Header.Get(protocolHeader); v != "" && v != strconv.Itoa(config.ProtocolVersion) {
		resp.Body.Close() //nolint:errcheck
		return nil, fmt.Errorf("%w: hub speaks %s, client speaks %d", ErrProtocolMismatch, v, config.ProtocolVersion)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close() //nolint:errcheck
		payload, _ := io.ReadAll(resp.Body)
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error != "" {
			return nil, &RequestError{StatusCode: resp.StatusCode, Code: er.Code, Message: er.Error}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
