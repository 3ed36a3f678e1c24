package recordstore

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

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/whalesync/scratch-cli-sub001/internal/config"
	"github.com/whalesync/scratch-cli-sub001/internal/records"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 64 << 10
)

// ClientConfig configures the HTTP record store client.
type ClientConfig struct {
	// BaseURL is the API root, e.g. http://localhost:9090/api/v1.
	BaseURL string

	// Token is sent as a bearer token when set.
	Token config.Secret

	Timeout time.Duration

	// RateLimit caps requests per second. Zero disables limiting.
	RateLimit float64
	Burst     int

	// Transport overrides the base HTTP transport.
	Transport http.RoundTripper
}

// Client is the HTTP implementation of Store.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

var _ Store = (*Client)(nil)

// NewClient creates a record store client.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("recordstore: base URL required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("recordstore: invalid base URL: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if cfg.Token.IsSet() {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()}),
			Base:   transport,
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		limiter: limiter,
		logger:  logger,
	}, nil
}

// BulkUpdateRecords sends ops to the bulk endpoint of one table.
func (c *Client) BulkUpdateRecords(ctx context.Context, workbookID, tableID string, ops []records.Operation) error {
	_, err := c.Bulk(ctx, workbookID, tableID, ops)
	return err
}

// Bulk sends ops and returns the decoded response, including created records.
func (c *Client) Bulk(ctx context.Context, workbookID, tableID string, ops []records.Operation) (*BulkResponse, error) {
	body, err := json.Marshal(BulkRequest{Ops: ops})
	if err != nil {
		return nil, fmt.Errorf("recordstore: marshal bulk request: %w", err)
	}

	var resp BulkResponse
	if err := c.do(ctx, http.MethodPost, c.tableURL(workbookID, tableID)+"/records/bulk", body, &resp); err != nil {
		return nil, err
	}

	c.logger.Debug("bulk update sent",
		zap.String("workbook.id", workbookID),
		zap.String("table_id", tableID),
		zap.Int("ops", len(ops)))
	return &resp, nil
}

// ListRecords fetches one page of records.
func (c *Client) ListRecords(ctx context.Context, workbookID, tableID, cursor string, take int) (*records.Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	q.Set("take", strconv.Itoa(normalizeTake(take)))

	var page records.Page
	if err := c.do(ctx, http.MethodGet, c.tableURL(workbookID, tableID)+"/records?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Health checks the server's health endpoint, which lives at the server root.
func (c *Client) Health(ctx context.Context) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("recordstore: %w", err)
	}
	u.Path = "/health"
	u.RawQuery = ""
	return c.do(ctx, http.MethodGet, u.String(), nil, nil)
}

func (c *Client) tableURL(workbookID, tableID string) string {
	return c.baseURL + "/workbooks/" + url.PathEscape(workbookID) + "/tables/" + url.PathEscape(tableID)
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("recordstore: rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("recordstore: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("recordstore: %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("recordstore: read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("recordstore: parse response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var errResp ErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Message != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Message}
	}

	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
