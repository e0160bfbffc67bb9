package syncctl

import (
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

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type StalledJobs struct {
	Integration string                  `json:"integration"`
	Jobs        []relaysync.ResumeToken `json:"jobs"`
}

// Client talks to the relaysync control API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		// startSync runs a whole invocation before answering.
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) StartSync(ctx context.Context, integration string, req relaysync.StartRequest) (relaysync.ActionResult, error) {
	var out relaysync.ActionResult
	err := c.doJSON(ctx, http.MethodPost, actionPath(integration, "startSync"), req, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, integration, jobID string) (relaysync.JobStatus, error) {
	var out relaysync.JobStatus
	path := "/v1/integrations/" + url.PathEscape(integration) + "/jobs/" + url.PathEscape(jobID)
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Stalled(ctx context.Context, integration string) (StalledJobs, error) {
	var out StalledJobs
	err := c.doJSON(ctx, http.MethodGet, "/v1/integrations/"+url.PathEscape(integration)+"/stalled", nil, &out)
	return out, err
}

func (c *Client) Redeliver(ctx context.Context, integration, jobID string) (relaysync.ActionResult, error) {
	var out relaysync.ActionResult
	err := c.doJSON(ctx, http.MethodPost, actionPath(integration, "redeliver"), map[string]string{"jobId": jobID}, &out)
	return out, err
}

// TailProgress streams progress events for integration to fn until ctx is
// done, the server closes the stream or fn returns an error. jobID narrows
// the stream to one job when set.
func (c *Client) TailProgress(ctx context.Context, integration, jobID string, fn func(relaysync.ProgressEvent) error) error {
	streamURL, err := c.progressURL(integration, jobID)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	header.Set(relaysync.HeaderCorrelationID, correlationID())
	conn, resp, err := websocket.Dial(ctx, streamURL, &websocket.DialOptions{
		HTTPClient: c.streamClient(),
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return &HTTPError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return err
	}
	defer conn.CloseNow()

	for {
		var event relaysync.ProgressEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := fn(event); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}

func (c *Client) progressURL(integration, jobID string) (string, error) {
	parsed, err := url.Parse(c.baseURL + "/v1/integrations/" + url.PathEscape(integration) + "/progress")
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	}
	if jobID != "" {
		parsed.RawQuery = url.Values{"jobId": []string{jobID}}.Encode()
	}
	return parsed.String(), nil
}

// streamClient drops the request timeout, which would otherwise cut
// long-lived progress streams.
func (c *Client) streamClient() *http.Client {
	client := *c.httpClient
	client.Timeout = 0
	return &client
}

func actionPath(integration, action string) string {
	return "/v1/integrations/" + url.PathEscape(integration) + "/actions/" + action
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set(relaysync.HeaderCorrelationID, correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && !errors.Is(err, context.Canceled) {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "ctl_" + uuid.NewString()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
