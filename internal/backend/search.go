package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

// SearchClient queries a remote formula-search service.
type SearchClient struct {
	baseURL string
	client  *http.Client
	header  http.Header
	cb      *gobreaker.CircuitBreaker
}

// NewSearchClient creates a SearchClient for baseURL.
func NewSearchClient(baseURL string, opts ...Option) (*SearchClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("formula search URL not set")
	}
	cfg := applyOpts(opts)
	bc := DefaultBreakerConfig("formula-search")
	if cfg.Breaker != nil {
		bc = *cfg.Breaker
	}
	return &SearchClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  cfg.HTTPClient,
		header:  cfg.Header,
		cb:      newBreaker(bc),
	}, nil
}

// Search returns exact matches and ranked candidates for name.
func (c *SearchClient) Search(ctx context.Context, name string) (models.SearchResult, error) {
	endpoint := c.baseURL + "/formulas/search?q=" + url.QueryEscape(name)
	out, err := c.cb.Execute(func() (interface{}, error) {
		var res models.SearchResult
		err := doJSON(ctx, c.client, c.header, http.MethodGet, endpoint, nil, &res)
		if errors.Is(err, errNoContent) {
			return models.SearchResult{}, nil
		}
		return res, err
	})
	if err != nil {
		slog.Error("SearchClient.Search failed", "name", name, "error", err)
		return models.SearchResult{}, fmt.Errorf("formula search: %w", err)
	}
	res := out.(models.SearchResult)
	slog.Debug("SearchClient.Search succeeded", "name", name, "exact", len(res.ExactMatches), "candidates", len(res.Candidates))
	return res, nil
}
