package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// baseURL is a placeholder host; every request dials the unix socket.
const baseURL = "http://inline"

// APIError is a non-2xx answer from the ingest server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ingest: %d %s: %s", e.Status, e.Code, e.Message)
}

// Client talks to an ingest server over its unix socket.
type Client struct {
	socketPath string
	http       *http.Client
	dialer     *websocket.Dialer
}

// NewClient returns a client for the server listening on socketPath.
func NewClient(socketPath string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{DialContext: dial},
			Timeout:   30 * time.Second,
		},
		dialer: &websocket.Dialer{
			NetDialContext:   dial,
			HandshakeTimeout: 5 * time.Second,
		},
	}
}

// ApplyBatch posts a batch document (YAML or JSON) read from r.
func (c *Client) ApplyBatch(ctx context.Context, r io.Reader) (BatchResult, error) {
	var out BatchResult
	err := c.do(ctx, http.MethodPost, "/api/v1/batches", "application/yaml", r, &out)
	return out, err
}

// Send queues text for chatID and returns the assigned random id.
func (c *Client) Send(ctx context.Context, chatID int64, text string) (SendResult, error) {
	body, err := json.Marshal(sendRequest{Text: text})
	if err != nil {
		return SendResult{}, err
	}
	var out SendResult
	path := fmt.Sprintf("/api/v1/chats/%d/messages", chatID)
	err = c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(body), &out)
	return out, err
}

// Stats fetches the engine counters.
func (c *Client) Stats(ctx context.Context) (StatsResult, error) {
	var out StatsResult
	err := c.do(ctx, http.MethodGet, "/api/v1/stats", "", nil, &out)
	return out, err
}

// Presence fetches the compose indicators of chatID.
func (c *Client) Presence(ctx context.Context, chatID int64) ([]PresenceEntry, error) {
	var out struct {
		Presence []PresenceEntry `json:"presence"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/chats/%d/presence", chatID), "", nil, &out)
	return out.Presence, err
}

// Watch streams events under namespace to fn until ctx is done, fn returns
// an error or the server closes the stream. A server-side close is not an
// error.
func (c *Client) Watch(ctx context.Context, namespace string, fn func(Frame) error) error {
	u := url.URL{Scheme: "ws", Host: "inline", Path: "/api/v1/watch"}
	if namespace != "" {
		u.RawQuery = url.Values{"namespace": {namespace}}.Encode()
	}
	ws, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return decodeAPIError(resp)
		}
		return fmt.Errorf("watch: %w", err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = ws.Close()
	})
	defer stop()

	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("watch: %w", err)
		}
		if err := fn(f); err != nil {
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dial ingest socket %s: %w", c.socketPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
