// Package remote is the REST adapter for the marketplace backend. It owns request
// authentication and maps every failure onto the apperr taxonomy.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/marketsync/internal/apperr"
	"github.com/MarcoPoloResearchLab/marketsync/internal/session"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 15 * time.Second
	maxErrorBody    = 64 << 10
	jsonContentType = "application/json"
)

var (
	errMissingBaseURL     = errors.New("remote: base url required")
	errMissingCredentials = errors.New("remote: credentials required")
)

// Config describes the dependencies of a Client.
type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	Credentials session.Credentials
	Logger      *zap.Logger
}

// Client issues authenticated calls against the backend.
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	credentials session.Credentials
	logger      *zap.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("remote: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     parsed,
		httpClient:  httpClient,
		credentials: cfg.Credentials,
		logger:      logger,
	}, nil
}

// Credentials exposes the injected credential provider.
func (c *Client) Credentials() session.Credentials {
	return c.credentials
}

// GetCollection fetches a collection endpoint. The body may be a JSON array or an object with
// items and totalCount; 204 and empty bodies are an empty collection. total is the server's
// count when present, otherwise the number of items.
func (c *Client) GetCollection(ctx context.Context, endpoint string, params url.Values) ([]map[string]any, int, error) {
	body, _, err := c.fetch(ctx, http.MethodGet, c.resolve(endpoint, params), nil)
	if err != nil {
		return nil, 0, err
	}
	items, total, err := decodeCollection(body)
	if err != nil {
		return nil, 0, apperr.Server(http.StatusOK, fmt.Sprintf("malformed collection payload: %v", err))
	}
	return items, total, nil
}

// GetJSON fetches a single JSON document into out.
func (c *Client) GetJSON(ctx context.Context, endpoint string, params url.Values, out any) error {
	body, _, err := c.fetch(ctx, http.MethodGet, c.resolve(endpoint, params), nil)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Server(http.StatusOK, fmt.Sprintf("malformed payload: %v", err))
	}
	return nil
}

// GetBytes fetches a binary resource. Absolute URLs are used verbatim, relative ones are
// resolved against the base url.
func (c *Client) GetBytes(ctx context.Context, resource string) ([]byte, string, error) {
	return c.fetch(ctx, http.MethodGet, c.resolve(resource, nil), nil)
}

// Do performs a mutating call. Any 2xx is success; there is no retry. When out is non-nil
// and the response has a body it is decoded into out.
func (c *Client) Do(ctx context.Context, method, endpoint string, payload any, out any) error {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return apperr.Validation(fmt.Sprintf("unencodable request body: %v", err))
		}
		reader = bytes.NewReader(encoded)
	}
	body, _, err := c.fetch(ctx, method, c.resolve(endpoint, nil), reader)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Server(http.StatusOK, fmt.Sprintf("malformed payload: %v", err))
	}
	return nil
}

func (c *Client) fetch(ctx context.Context, method, target string, body io.Reader) ([]byte, string, error) {
	token, err := c.credentials.Token(ctx)
	if err != nil {
		return nil, "", err
	}

	request, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, "", apperr.Validation(fmt.Sprintf("invalid request: %v", err))
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", jsonContentType)
	if body != nil {
		request.Header.Set("Content-Type", jsonContentType)
	}

	started := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("backend request failed",
			zap.String("method", method),
			zap.String("url", target),
			zap.Error(err))
		return nil, "", apperr.Network(err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, "", apperr.Network(err)
	}

	c.logger.Debug("backend request completed",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", response.StatusCode),
		zap.Duration("elapsed", time.Since(started)))

	switch {
	case response.StatusCode == http.StatusUnauthorized:
		return nil, "", apperr.Auth(extractMessage(payload, "session expired"), nil)
	case response.StatusCode < 200 || response.StatusCode > 299:
		return nil, "", apperr.Server(response.StatusCode, extractMessage(payload, ""))
	}
	return payload, response.Header.Get("Content-Type"), nil
}

func (c *Client) resolve(endpoint string, params url.Values) string {
	parsed, err := url.Parse(endpoint)
	var target *url.URL
	switch {
	case err != nil:
		target = c.baseURL.JoinPath(strings.TrimLeft(endpoint, "/"))
	case parsed.IsAbs():
		target = parsed
	default:
		target = c.baseURL.JoinPath(strings.TrimLeft(parsed.EscapedPath(), "/"))
		target.RawQuery = parsed.RawQuery
	}
	if len(params) > 0 {
		query := target.Query()
		for key, values := range params {
			for _, value := range values {
				query.Add(key, value)
			}
		}
		target.RawQuery = query.Encode()
	}
	return target.String()
}

type collectionEnvelope struct {
	Items      []map[string]any `json:"items"`
	TotalCount *int             `json:"totalCount"`
}

func decodeCollection(body []byte) ([]map[string]any, int, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return []map[string]any{}, 0, nil
	}
	if trimmed[0] == '[' {
		var items []map[string]any
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, 0, err
		}
		return items, len(items), nil
	}
	var envelope collectionEnvelope
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, 0, err
	}
	if envelope.Items == nil {
		envelope.Items = []map[string]any{}
	}
	total := len(envelope.Items)
	if envelope.TotalCount != nil {
		total = *envelope.TotalCount
	}
	return envelope.Items, total, nil
}

// extractMessage pulls a human-readable message out of an error body: the message field,
// then the error field, then short plain text.
func extractMessage(body []byte, fallback string) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > maxErrorBody {
		trimmed = trimmed[:maxErrorBody]
	}
	if len(trimmed) == 0 {
		return fallback
	}
	var decoded struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if trimmed[0] == '{' && json.Unmarshal(trimmed, &decoded) == nil {
		if message := strings.TrimSpace(decoded.Message); message != "" {
			return message
		}
		if message := strings.TrimSpace(decoded.Error); message != "" {
			return message
		}
		return fallback
	}
	if trimmed[0] == '<' {
		return fallback
	}
	return string(trimmed)
}
