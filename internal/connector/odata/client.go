// Package odata is the paginated client for the ERP's OData interface.
package odata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"erpsync/internal/erp"
	"erpsync/internal/pkg/metrics"
	"erpsync/internal/pkg/retry"
)

const connectorName = "odata"

// Limiter throttles outgoing requests.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// pauser is implemented by limiters that can hold back all callers after the
// ERP answered 429 with Retry-After.
type pauser interface {
	Pause(ctx context.Context, d time.Duration) error
}

// Config holds the connection settings.
type Config struct {
	BaseURL  string
	User     string
	Password string
	Timeout  time.Duration
	PageSize int
	Retry    retry.Policy
}

// Client issues authenticated OData requests.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter Limiter
	logger  *slog.Logger
}

// NewClient builds a client. limiter may be nil.
func NewClient(cfg Config, limiter Limiter, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
	}
	c.cfg.Retry.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.ConnectorRetriesTotal.WithLabelValues(connectorName).Inc()
		c.logger.Warn("odata request retry",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	}
	return c
}

// PageSize is the default $top.
func (c *Client) PageSize() int { return c.cfg.PageSize }

type envelope struct {
	Value *[]map[string]any `json:"value"`
}

// FetchPage requests limit rows of set starting at cursor and normalizes them.
// A page shorter than limit is the last one.
func (c *Client) FetchPage(ctx context.Context, set EntitySet, filter string, cursor, limit int) (erp.Page, error) {
	if limit <= 0 {
		limit = c.cfg.PageSize
	}
	q := Query{Entity: set.Name, Filter: And(set.Filter, filter), Top: limit, Skip: cursor, OrderBy: set.OrderBy}
	rows, err := c.fetchRows(ctx, q)
	if err != nil {
		return erp.Page{}, err
	}

	page := erp.Page{Next: cursor + len(rows), Done: len(rows) < limit}
	for i, row := range rows {
		rec, err := set.Normalize(row)
		if err != nil {
			page.Invalid = append(page.Invalid, fmt.Errorf("%s row %d: %w", set.Name, cursor+i, err))
			continue
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

func (c *Client) fetchRows(ctx context.Context, q Query) ([]map[string]any, error) {
	endpoint := BuildURL(c.cfg.BaseURL, q)
	var rows []map[string]any
	err := c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		body, status, err := c.get(ctx, endpoint, "application/json")
		if err != nil {
			return err
		}
		var env envelope
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&env); err != nil {
			return retry.Malformed(q.Entity, err)
		}
		if env.Value == nil {
			return retry.Malformed(q.Entity, fmt.Errorf("status %d: response has no value array", status))
		}
		rows = *env.Value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Count returns the number of rows matching filter, used as a progress total.
func (c *Client) Count(ctx context.Context, set EntitySet, filter string) (int, error) {
	endpoint := CountURL(c.cfg.BaseURL, set.Name, And(set.Filter, filter))
	var n int
	err := c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		body, _, err := c.get(ctx, endpoint, "text/plain")
		if err != nil {
			return err
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(string(body)))
		if err != nil {
			return retry.Malformed(set.Name+"/$count", err)
		}
		n = parsed
		return nil
	})
	return n, err
}

// get performs one attempt. Every failure comes back as *retry.Error.
func (c *Client) get(ctx context.Context, endpoint, accept string) ([]byte, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, 0, retry.FromTransport("ratelimit", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, &retry.Error{Op: "build request", Err: err}
	}
	req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	req.Header.Set("Accept", accept)

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ConnectorRequestDuration.WithLabelValues(connectorName).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ConnectorRequestsTotal.WithLabelValues(connectorName, "error").Inc()
		return nil, 0, retry.FromTransport("odata get", err)
	}
	defer resp.Body.Close()

	metrics.ConnectorRequestsTotal.WithLabelValues(connectorName, statusClass(resp.StatusCode)).Inc()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, retry.FromTransport("odata read body", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		c.pause(ctx, resp.Header.Get("Retry-After"))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, retry.FromStatus("odata get", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, resp.StatusCode, retry.EmptyBody("odata get", resp.StatusCode)
	}
	return body, resp.StatusCode, nil
}

func (c *Client) pause(ctx context.Context, retryAfter string) {
	p, ok := c.limiter.(pauser)
	if !ok {
		return
	}
	secs, err := strconv.Atoi(strings.TrimSpace(retryAfter))
	if err != nil || secs <= 0 {
		return
	}
	if err := p.Pause(ctx, time.Duration(secs)*time.Second); err != nil {
		c.logger.Warn("odata pause failed", slog.String("error", err.Error()))
	}
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

// Source binds an entity set and a filter into a pageable record source.
type Source struct {
	client *Client
	set    EntitySet
	filter string
}

// Source returns a record source over set restricted by filter.
func (c *Client) Source(set EntitySet, filter string) *Source {
	return &Source{client: c, set: set, filter: filter}
}

func (s *Source) Fetch(ctx context.Context, cursor, limit int) (erp.Page, error) {
	return s.client.FetchPage(ctx, s.set, s.filter, cursor, limit)
}

func (s *Source) Count(ctx context.Context) (int, error) {
	return s.client.Count(ctx, s.set, s.filter)
}

func (s *Source) Name() string { return s.set.Name }
