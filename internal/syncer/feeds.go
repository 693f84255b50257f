package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"erpsync/internal/connector/odata"
	"erpsync/internal/connector/xmlexchange"
	"erpsync/internal/erp"
	"erpsync/internal/pkg/dedup"
)

// CatalogSources are the passes of one catalog run.
type CatalogSources struct {
	Sections Source
	// Products are read in order; parents before the variant sources.
	Products []Source
	// Unchanged is set when the source is byte-identical to the last
	// successfully applied one.
	Unchanged bool
	// Commit, when set, is called after the run succeeded.
	Commit func(ctx context.Context) error
}

// CatalogFeed opens the sources of one catalog run.
type CatalogFeed interface {
	OpenCatalog(ctx context.Context, p Params) (*CatalogSources, error)
}

// StockFeed opens the stock snapshot.
type StockFeed interface {
	OpenStock(ctx context.Context, p Params) (Source, error)
}

// SalesFeed opens sales lines for a window and discount cards with their
// per-card history.
type SalesFeed interface {
	OpenSales(ctx context.Context, from, to time.Time) (Source, error)
	OpenCards(ctx context.Context) (Source, error)
	OpenHistory(ctx context.Context, cardID string, from, to time.Time) (Source, error)
}

// ODataFeed reads every flow from the OData interface.
type ODataFeed struct {
	client *odata.Client
}

func NewODataFeed(client *odata.Client) *ODataFeed {
	return &ODataFeed{client: client}
}

func (f *ODataFeed) OpenCatalog(ctx context.Context, p Params) (*CatalogSources, error) {
	return &CatalogSources{
		Sections: f.client.Source(odata.Sections, ""),
		Products: []Source{
			f.client.Source(odata.Products, ""),
			f.client.Source(odata.Variants, ""),
		},
	}, nil
}

func (f *ODataFeed) OpenStock(ctx context.Context, p Params) (Source, error) {
	return f.client.Source(odata.StockBalance, ""), nil
}

func (f *ODataFeed) OpenSales(ctx context.Context, from, to time.Time) (Source, error) {
	return f.client.Source(odata.Sales, odata.DateRange(odata.SalesPeriodField, from, to)), nil
}

func (f *ODataFeed) OpenCards(ctx context.Context) (Source, error) {
	return f.client.Source(odata.Cards, ""), nil
}

func (f *ODataFeed) OpenHistory(ctx context.Context, cardID string, from, to time.Time) (Source, error) {
	filter := odata.And(
		odata.DateRange(odata.SalesPeriodField, from, to),
		odata.GUIDEquals(odata.SalesCardField, cardID),
	)
	return f.client.Source(odata.Sales, filter), nil
}

// XMLFeed reads the catalog and the stock snapshot from the XML exchange
// documents.
type XMLFeed struct {
	loader       *xmlexchange.Loader
	fingerprints *dedup.Fingerprints
	catalogURL   string
	offersURL    string
	// skipUnchanged lets incremental runs skip an identical document pair.
	skipUnchanged bool
	logger        *slog.Logger
}

func NewXMLFeed(loader *xmlexchange.Loader, fingerprints *dedup.Fingerprints, catalogURL, offersURL string, skipUnchanged bool, logger *slog.Logger) *XMLFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &XMLFeed{
		loader:        loader,
		fingerprints:  fingerprints,
		catalogURL:    catalogURL,
		offersURL:     offersURL,
		skipUnchanged: skipUnchanged,
		logger:        logger,
	}
}

const fingerprintCatalog = "catalog"

func (f *XMLFeed) load(ctx context.Context) ([]erp.Record, string, error) {
	docs, err := f.loader.Load(ctx, f.catalogURL, f.offersURL)
	if err != nil {
		return nil, "", err
	}
	records, invalid, err := xmlexchange.Parse(docs.Catalog, docs.Offers, docs.CatalogLocation)
	if err != nil {
		return nil, "", err
	}
	for _, e := range invalid {
		f.logger.Warn("xml offer skipped", slog.String("error", e.Error()))
	}
	return records, docs.Fingerprint, nil
}

func (f *XMLFeed) OpenCatalog(ctx context.Context, p Params) (*CatalogSources, error) {
	records, fingerprint, err := f.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load xml catalog: %w", err)
	}
	src := &CatalogSources{
		Sections: xmlexchange.NewSliceSource("xml sections", records, erp.KindSection),
		Products: []Source{xmlexchange.NewSliceSource("xml products", erp.ParentsFirst(records), erp.KindProduct)},
		Commit: func(ctx context.Context) error {
			return f.fingerprints.Remember(ctx, fingerprintCatalog, fingerprint)
		},
	}
	if f.skipUnchanged && !p.Full() {
		unchanged, err := f.fingerprints.Unchanged(ctx, fingerprintCatalog, fingerprint)
		if err != nil {
			f.logger.Warn("xml fingerprint check failed", slog.String("error", err.Error()))
		}
		src.Unchanged = unchanged
	}
	return src, nil
}

func (f *XMLFeed) OpenStock(ctx context.Context, p Params) (Source, error) {
	records, _, err := f.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load xml offers: %w", err)
	}
	return xmlexchange.NewSliceSource("xml stock", xmlexchange.StockRecords(records)), nil
}
