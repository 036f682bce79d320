package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-tokenpool/core"
	"github.com/goliatone/go-tokenpool/ratelimit"
	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout   = 30 * time.Second
	maxResponseBodyBytes    = 1 << 20
	defaultSessionCookie    = "session-token"
	defaultSessionPath      = "/auth/session"
	defaultCreditsPath      = "/credits"
	defaultProjectsPath     = "/projects"
	operationExchange       = "exchange"
	operationFetchBalance   = "fetch_balance"
	operationCreateProject  = "create_project"
	throttleBucketSeparator = ":"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	BaseURL           string
	SessionCookieName string
	SessionPath       string
	CreditsPath       string
	ProjectsPath      string
	ToolName          string
	UserAgent         string
	RequestTimeout    time.Duration
	// RequestsPerSecond paces every outbound call. Zero leaves calls unpaced.
	RequestsPerSecond float64
	HTTPClient        HTTPDoer
	Throttle          *ratelimit.Throttle
	Now               func() time.Time
}

// Client exchanges session secrets for access tokens and reads billing state
// from the upstream service.
type Client struct {
	config     Config
	httpClient HTTPDoer
	limiter    *rate.Limiter
	throttle   *ratelimit.Throttle
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrNotConfigured)
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", ErrNotConfigured, cfg.BaseURL)
	}
	if cfg.RequestsPerSecond < 0 {
		return nil, fmt.Errorf("%w: requests per second must be non-negative", ErrNotConfigured)
	}

	resolved := Config{
		BaseURL:           base,
		SessionCookieName: firstNonEmpty(cfg.SessionCookieName, defaultSessionCookie),
		SessionPath:       normalizePath(cfg.SessionPath, defaultSessionPath),
		CreditsPath:       normalizePath(cfg.CreditsPath, defaultCreditsPath),
		ProjectsPath:      normalizePath(cfg.ProjectsPath, defaultProjectsPath),
		ToolName:          firstNonEmpty(cfg.ToolName, core.DefaultProjectToolName),
		UserAgent:         strings.TrimSpace(cfg.UserAgent),
		RequestTimeout:    cfg.RequestTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Now:               cfg.Now,
	}
	if resolved.RequestTimeout <= 0 {
		resolved.RequestTimeout = defaultRequestTimeout
	}
	if resolved.Now == nil {
		resolved.Now = func() time.Time { return time.Now().UTC() }
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: resolved.RequestTimeout}
	}
	client := &Client{
		config:     resolved,
		httpClient: httpClient,
		throttle:   cfg.Throttle,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := max(1, int(cfg.RequestsPerSecond))
		client.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return client, nil
}

// Exchange trades a session secret for an access token and the account
// identity attached to it.
func (c *Client) Exchange(ctx context.Context, sessionSecret string) (core.TokenExchange, error) {
	secret := strings.TrimSpace(sessionSecret)
	if secret == "" {
		return core.TokenExchange{}, &RequestError{Operation: operationExchange, Message: "session secret is required", Cause: ErrInvalidResponse}
	}
	payload, err := c.do(ctx, operationExchange, http.MethodGet, c.config.SessionPath, nil, func(req *http.Request) {
		req.AddCookie(&http.Cookie{Name: c.config.SessionCookieName, Value: secret})
	})
	if err != nil {
		return core.TokenExchange{}, err
	}

	accessToken := strings.TrimSpace(readAnyString(firstPresent(payload, "access_token", "accessToken")))
	if accessToken == "" {
		return core.TokenExchange{}, &RequestError{
			Operation: operationExchange,
			Message:   "response missing access token",
			Cause:     ErrInvalidResponse,
		}
	}
	result := core.TokenExchange{AccessToken: accessToken}
	if expires := parseExpiry(readAnyString(payload["expires"])); expires != nil {
		result.ExpiresAt = expires
	} else if seconds := readAnyInt64(payload["expires_in"]); seconds > 0 {
		value := c.config.Now().UTC().Add(time.Duration(seconds) * time.Second)
		result.ExpiresAt = &value
	}
	if user, ok := payload["user"].(map[string]any); ok {
		result.Email = strings.TrimSpace(readAnyString(user["email"]))
		result.Name = strings.TrimSpace(readAnyString(user["name"]))
	}
	if result.Name == "" && result.Email != "" {
		result.Name, _, _ = strings.Cut(result.Email, "@")
	}
	return result, nil
}

func (c *Client) FetchBalance(ctx context.Context, accessToken string) (core.Balance, error) {
	token := strings.TrimSpace(accessToken)
	if token == "" {
		return core.Balance{}, &RequestError{Operation: operationFetchBalance, Message: "access token is required", Cause: ErrInvalidResponse}
	}
	payload, err := c.do(ctx, operationFetchBalance, http.MethodGet, c.config.CreditsPath, nil, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	})
	if err != nil {
		return core.Balance{}, err
	}
	tier := strings.TrimSpace(readAnyString(firstPresent(payload, "userPaygateTier", "paygate_tier")))
	if tier == "" {
		tier = core.UnknownPaygateTier
	}
	return core.Balance{
		Credits:     int(readAnyInt64(payload["credits"])),
		PaygateTier: tier,
	}, nil
}

func (c *Client) CreateProject(ctx context.Context, sessionSecret string, name string) (string, error) {
	secret := strings.TrimSpace(sessionSecret)
	if secret == "" {
		return "", &RequestError{Operation: operationCreateProject, Message: "session secret is required", Cause: ErrInvalidResponse}
	}
	body, err := json.Marshal(map[string]any{
		"projectTitle": strings.TrimSpace(name),
		"toolName":     c.config.ToolName,
	})
	if err != nil {
		return "", &RequestError{Operation: operationCreateProject, Message: "encode request", Cause: err}
	}
	payload, err := c.do(ctx, operationCreateProject, http.MethodPost, c.config.ProjectsPath, body, func(req *http.Request) {
		req.Header.Set("Content-Type", "application/json")
		req.AddCookie(&http.Cookie{Name: c.config.SessionCookieName, Value: secret})
	})
	if err != nil {
		return "", err
	}
	projectID := strings.TrimSpace(readAnyString(firstPresent(payload, "projectId", "project_id")))
	if projectID == "" {
		return "", &RequestError{
			Operation: operationCreateProject,
			Message:   "response missing project id",
			Cause:     ErrInvalidResponse,
		}
	}
	return projectID, nil
}

func (c *Client) do(
	ctx context.Context,
	operation string,
	method string,
	path string,
	body []byte,
	decorate func(*http.Request),
) (map[string]any, error) {
	if c == nil || c.httpClient == nil {
		return nil, &RequestError{Operation: operation, Cause: ErrNotConfigured}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	bucket := c.bucket(operation)
	if err := c.throttle.Before(ctx, bucket); err != nil {
		return nil, &RequestError{Operation: operation, Message: "upstream paused", Cause: err}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &RequestError{Operation: operation, Message: "rate limiter", Cause: err}
		}
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(requestCtx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, &RequestError{Operation: operation, Message: "build request", Cause: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if decorate != nil {
		decorate(req)
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Operation: operation, Message: "request failed", Cause: err}
	}
	defer response.Body.Close()

	if observeErr := c.throttle.Observe(ctx, bucket, ratelimit.Response{
		StatusCode: response.StatusCode,
		Header:     response.Header,
	}); observeErr != nil {
		return nil, &RequestError{Operation: operation, Message: "record throttle state", Cause: observeErr}
	}

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBodyBytes+1))
	if err != nil {
		return nil, &RequestError{Operation: operation, StatusCode: response.StatusCode, Message: "read response", Cause: err}
	}
	if len(raw) > maxResponseBodyBytes {
		return nil, &RequestError{
			Operation:  operation,
			StatusCode: response.StatusCode,
			Message:    fmt.Sprintf("response exceeds %d bytes", maxResponseBodyBytes),
			Cause:      ErrInvalidResponse,
		}
	}

	payload := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			if response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices {
				return nil, &RequestError{Operation: operation, StatusCode: response.StatusCode, Message: "decode response", Cause: err}
			}
			payload = map[string]any{}
		}
	}

	errorCode, errorMessage := readUpstreamError(payload)
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices || errorCode != "" {
		if errorMessage == "" {
			errorMessage = http.StatusText(response.StatusCode)
		}
		return nil, &RequestError{
			Operation:  operation,
			StatusCode: response.StatusCode,
			ErrorCode:  errorCode,
			Message:    errorMessage,
			Cause:      ErrRequestFailed,
		}
	}
	return payload, nil
}

func (c *Client) bucket(operation string) string {
	host := c.config.BaseURL
	if parsed, err := url.Parse(c.config.BaseURL); err == nil && parsed.Host != "" {
		host = parsed.Host
	}
	return host + throttleBucketSeparator + operation
}

func readUpstreamError(payload map[string]any) (string, string) {
	switch typed := payload["error"].(type) {
	case string:
		return strings.TrimSpace(typed), strings.TrimSpace(readAnyString(payload["error_description"]))
	case map[string]any:
		code := strings.TrimSpace(readAnyString(firstPresent(typed, "status", "code")))
		if code == "" {
			code = "error"
		}
		return code, strings.TrimSpace(readAnyString(typed["message"]))
	}
	return "", ""
}

func parseExpiry(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			utc := parsed.UTC()
			return &utc
		}
	}
	return nil
}

func firstPresent(payload map[string]any, keys ...string) any {
	for _, key := range keys {
		if value, ok := payload[key]; ok && value != nil {
			return value
		}
	}
	return nil
}

func readAnyString(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case json.Number:
		return typed.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(typed)
	}
}

func readAnyInt64(value any) int64 {
	switch typed := value.(type) {
	case int:
		return int64(typed)
	case int64:
		return typed
	case float64:
		return int64(typed)
	case json.Number:
		if parsed, err := typed.Int64(); err == nil {
			return parsed
		}
		if parsed, err := typed.Float64(); err == nil {
			return int64(parsed)
		}
	case string:
		if parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}

func normalizePath(path, fallback string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return fallback
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

var _ core.ExternalAuthClient = (*Client)(nil)
