package relaysync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
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

func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || (e.StatusCode >= 500 && e.StatusCode <= 599)
}

type TokenProvider func(ctx context.Context) (string, error)

func StaticToken(token string) TokenProvider {
	token = strings.TrimSpace(token)
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type RESTClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	AuthScheme    string
	Headers       map[string]string
	HTTPClient    *http.Client
	UserAgent     string
	// MaxRetries defaults to 3 when zero; a negative value disables retries.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// JitterRatio spreads each backoff delay over [1-ratio, 1+ratio].
	// Zero selects 0.2; a negative ratio disables jitter.
	JitterRatio float64
	Sample      func() float64
}

// RESTClient is the JSON transport shared by vendor sources and platform
// sinks. 429, 5xx and connection errors are retried with jittered
// exponential backoff, honoring Retry-After.
type RESTClient struct {
	baseURL       string
	tokenProvider TokenProvider
	authScheme    string
	headers       map[string]string
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	jitterRatio   float64
	sample        func() float64
}

type RESTResponse struct {
	StatusCode int
	Header     http.Header
}

func NewRESTClient(opts RESTClientOptions) *RESTClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	authScheme := strings.TrimSpace(opts.AuthScheme)
	if authScheme == "" {
		authScheme = "Bearer"
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	jitter := opts.JitterRatio
	if jitter == 0 {
		jitter = 0.2
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	sample := opts.Sample
	if sample == nil {
		sample = lockedRandFloat()
	}
	return &RESTClient{
		baseURL:       strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		tokenProvider: opts.TokenProvider,
		authScheme:    authScheme,
		headers:       opts.Headers,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		jitterRatio:   jitter,
		sample:        sample,
	}
}

// Do sends one JSON request. requestPath may be an absolute URL, which is
// used as-is (vendor pagination links).
func (c *RESTClient) Do(ctx context.Context, method, requestPath string, query url.Values, body any, out any) (RESTResponse, error) {
	if c == nil {
		return RESTResponse{}, fmt.Errorf("rest client is nil")
	}
	target := requestPath
	if !strings.HasPrefix(requestPath, "http://") && !strings.HasPrefix(requestPath, "https://") {
		target = c.baseURL + requestPath
	}
	if len(query) > 0 {
		separator := "?"
		if strings.Contains(target, "?") {
			separator = "&"
		}
		target += separator + query.Encode()
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return RESTResponse{}, err
		}
	}
	token := ""
	if c.tokenProvider != nil {
		var err error
		token, err = c.tokenProvider(ctx)
		if err != nil {
			return RESTResponse{}, err
		}
		token = strings.TrimSpace(token)
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return RESTResponse{}, err
		}
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.Header.Set("Authorization", c.authScheme+" "+token)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		for key, value := range c.headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return RESTResponse{}, waitErr
				}
				continue
			}
			return RESTResponse{}, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return RESTResponse{}, readErr
		}
		meta := RESTResponse{StatusCode: resp.StatusCode, Header: resp.Header}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(payload)) == 0 {
				return meta, nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return meta, fmt.Errorf("decode %s %s response: %w", method, requestPath, err)
			}
			return meta, nil
		}

		httpErr := parseHTTPError(resp.StatusCode, payload)
		if httpErr.Retryable() && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return meta, waitErr
			}
			continue
		}
		return meta, httpErr
	}
}

func (c *RESTClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	return jitterDelay(backoffDelay(c.baseDelay, c.maxDelay, attempt), c.jitterRatio, c.sample())
}

func parseHTTPError(status int, payload []byte) *HTTPError {
	httpErr := &HTTPError{StatusCode: status, Message: strings.TrimSpace(string(payload))}
	var parsed map[string]any
	if json.Unmarshal(payload, &parsed) != nil {
		return httpErr
	}
	if code, ok := parsed["code"].(string); ok {
		httpErr.Code = code
	}
	if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
		httpErr.Message = message
	}
	// Graph and Apify nest their error details.
	if nested, ok := parsed["error"].(map[string]any); ok {
		if code, ok := nested["code"].(string); ok && httpErr.Code == "" {
			httpErr.Code = code
		}
		if code, ok := nested["type"].(string); ok && httpErr.Code == "" {
			httpErr.Code = code
		}
		if message, ok := nested["message"].(string); ok && strings.TrimSpace(message) != "" {
			httpErr.Message = message
		}
	}
	return httpErr
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func jitterDelay(delay time.Duration, ratio, sample float64) time.Duration {
	if delay <= 0 || ratio <= 0 {
		return delay
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*ratio
	if factor < 0 {
		factor = 0
	}
	return time.Duration(float64(delay) * factor)
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
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

func lockedRandFloat() func() float64 {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		return rng.Float64()
	}
}
