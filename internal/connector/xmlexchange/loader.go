// Package xmlexchange downloads and parses the ERP's CommerceML batch export:
// a catalog document (groups, products, characteristics) and an offers
// document (prices and stock per SKU).
package xmlexchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"erpsync/internal/erp"
	"erpsync/internal/pkg/dedup"
	"erpsync/internal/pkg/metrics"
	"erpsync/internal/pkg/retry"

	"github.com/shopspring/decimal"
)

const connectorName = "xml"

// Config holds the download settings.
type Config struct {
	User     string
	Password string
	Timeout  time.Duration
	Retry    retry.Policy
}

// Loader fetches exchange documents over HTTP or from the local filesystem.
type Loader struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func NewLoader(cfg Config, logger *slog.Logger) *Loader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, logger: logger}
	l.cfg.Retry.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.ConnectorRetriesTotal.WithLabelValues(connectorName).Inc()
		l.logger.Warn("xml download retry",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	}
	return l
}

// Documents is one downloaded exchange pair.
type Documents struct {
	CatalogLocation string
	Catalog         []byte
	Offers          []byte
	Fingerprint     string
}

// Load downloads the catalog and, when offersLocation is set, the offers document.
func (l *Loader) Load(ctx context.Context, catalogLocation, offersLocation string) (*Documents, error) {
	if strings.TrimSpace(catalogLocation) == "" {
		return nil, &retry.Error{Op: "xml load", Err: fmt.Errorf("catalog location is empty")}
	}
	catalog, err := l.Fetch(ctx, catalogLocation)
	if err != nil {
		return nil, err
	}
	docs := &Documents{CatalogLocation: catalogLocation, Catalog: catalog}
	if strings.TrimSpace(offersLocation) != "" {
		if docs.Offers, err = l.Fetch(ctx, offersLocation); err != nil {
			return nil, err
		}
	}
	docs.Fingerprint = dedup.Sum(docs.Catalog, docs.Offers)
	l.logger.Info("xml documents loaded",
		slog.String("catalog", catalogLocation),
		slog.Int("catalog_bytes", len(docs.Catalog)),
		slog.Int("offers_bytes", len(docs.Offers)))
	return docs, nil
}

// LoadAndParse downloads both documents whole and returns the flattened records.
// Rows that cannot be placed (offers for unknown products) are logged and dropped.
func (l *Loader) LoadAndParse(ctx context.Context, catalogLocation, offersLocation string) ([]erp.Record, error) {
	docs, err := l.Load(ctx, catalogLocation, offersLocation)
	if err != nil {
		return nil, err
	}
	records, invalid, err := Parse(docs.Catalog, docs.Offers, docs.CatalogLocation)
	if err != nil {
		return nil, err
	}
	for _, e := range invalid {
		l.logger.Warn("xml offer skipped", slog.String("error", e.Error()))
	}
	return records, nil
}

// Fetch reads one document from an http(s) URL, a file:// URL or a path.
func (l *Loader) Fetch(ctx context.Context, location string) ([]byte, error) {
	if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		body, err := os.ReadFile(strings.TrimPrefix(location, "file://"))
		if err != nil {
			return nil, &retry.Error{Op: "xml read file", Err: err}
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return nil, retry.Malformed("xml read file", fmt.Errorf("%s is empty", location))
		}
		return body, nil
	}

	var body []byte
	err := l.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return &retry.Error{Op: "build request", Err: err}
		}
		if l.cfg.User != "" {
			req.SetBasicAuth(l.cfg.User, l.cfg.Password)
		}
		start := time.Now()
		resp, err := l.http.Do(req)
		metrics.ConnectorRequestDuration.WithLabelValues(connectorName).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ConnectorRequestsTotal.WithLabelValues(connectorName, "error").Inc()
			return retry.FromTransport("xml get", err)
		}
		defer resp.Body.Close()
		metrics.ConnectorRequestsTotal.WithLabelValues(connectorName, fmt.Sprintf("%dxx", resp.StatusCode/100)).Inc()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.FromTransport("xml read body", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return retry.FromStatus("xml get", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return retry.EmptyBody("xml get", resp.StatusCode)
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// SliceSource pages over records already held in memory, so the XML export
// flows through the same batch loop as paginated sources.
type SliceSource struct {
	name    string
	records []erp.Record
}

// NewSliceSource keeps the records of the given kinds, in order.
func NewSliceSource(name string, records []erp.Record, kinds ...erp.Kind) *SliceSource {
	if len(kinds) == 0 {
		return &SliceSource{name: name, records: records}
	}
	keep := make(map[erp.Kind]bool, len(kinds))
	for _, k := range kinds {
		keep[k] = true
	}
	filtered := make([]erp.Record, 0, len(records))
	for _, r := range records {
		if keep[r.Kind] {
			filtered = append(filtered, r)
		}
	}
	return &SliceSource{name: name, records: filtered}
}

func (s *SliceSource) Fetch(ctx context.Context, cursor, limit int) (erp.Page, error) {
	if err := ctx.Err(); err != nil {
		return erp.Page{}, err
	}
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(s.records) {
		cursor = len(s.records)
	}
	end := len(s.records)
	if limit > 0 && cursor+limit < end {
		end = cursor + limit
	}
	return erp.Page{
		Records: s.records[cursor:end],
		Next:    end,
		Done:    end >= len(s.records),
	}, nil
}

func (s *SliceSource) Count(ctx context.Context) (int, error) {
	return len(s.records), nil
}

func (s *SliceSource) Name() string { return s.name }

// StockRecords derives stock snapshot rows from offer quantities.
func StockRecords(records []erp.Record) []erp.Record {
	var out []erp.Record
	for _, r := range records {
		if r.Kind != erp.KindProduct || len(r.WarehouseQuantities) == 0 {
			continue
		}
		warehouses := make([]string, 0, len(r.WarehouseQuantities))
		for wh := range r.WarehouseQuantities {
			warehouses = append(warehouses, wh)
		}
		sort.Strings(warehouses)
		for _, wh := range warehouses {
			out = append(out, erp.Record{
				Kind:       erp.KindStock,
				ExternalID: r.ExternalID + "#" + wh,
				Attributes: erp.Attributes{
					erp.AttrProduct:   r.ExternalID,
					erp.AttrWarehouse: wh,
				},
				WarehouseQuantities: map[string]decimal.Decimal{wh: r.WarehouseQuantities[wh]},
			})
		}
	}
	return out
}
