package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/BTreeMap/IndicatorPipe/internal/models"
)

// ErrNoValue is returned by Decode when a payload carries neither a scalar nor a series.
var ErrNoValue = errors.New("backend returned no value")

// ReportingClient queries the industrial reporting backend.
type ReportingClient struct {
	baseURL string
	client  *http.Client
	header  http.Header
	cb      *gobreaker.CircuitBreaker
}

// NewReportingClient creates a ReportingClient for baseURL.
func NewReportingClient(baseURL string, opts ...Option) (*ReportingClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("reporting URL not set")
	}
	cfg := applyOpts(opts)
	bc := DefaultBreakerConfig("reporting")
	if cfg.Breaker != nil {
		bc = *cfg.Breaker
	}
	return &ReportingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  cfg.HTTPClient,
		header:  cfg.Header,
		cb:      newBreaker(bc),
	}, nil
}

type queryRequest struct {
	Formula    string          `json:"formula"`
	TimeString string          `json:"timeString"`
	TimeType   models.TimeType `json:"timeType"`
}

// Payload is the reporting backend's heterogeneous answer. Exactly one of
// Value or Series is expected; Data may wrap either shape.
type Payload struct {
	Value  *float64             `json:"value"`
	Unit   string               `json:"unit"`
	Series []models.SeriesPoint `json:"series"`
	Data   json.RawMessage      `json:"data"`
}

// Decode normalizes a payload into a Value.
func (p Payload) Decode() (*models.Value, error) {
	if len(p.Data) > 0 && string(p.Data) != "null" {
		var points []models.SeriesPoint
		if err := json.Unmarshal(p.Data, &points); err == nil {
			return &models.Value{Kind: models.ValueKindSeries, Unit: p.Unit, Series: points}, nil
		}
		var inner Payload
		if err := json.Unmarshal(p.Data, &inner); err != nil {
			return nil, fmt.Errorf("decode data field: %w", err)
		}
		if inner.Unit == "" {
			inner.Unit = p.Unit
		}
		return inner.Decode()
	}
	switch {
	case p.Series != nil:
		return &models.Value{Kind: models.ValueKindSeries, Unit: p.Unit, Series: p.Series}, nil
	case p.Value != nil:
		return &models.Value{Kind: models.ValueKindScalar, Scalar: *p.Value, Unit: p.Unit}, nil
	}
	return nil, ErrNoValue
}

// Query fetches the value of formula over the given time expression. A nil
// value with a nil error means the backend has no data.
func (c *ReportingClient) Query(ctx context.Context, formula, timeString string, timeType models.TimeType) (*models.Value, error) {
	body := queryRequest{Formula: formula, TimeString: timeString, TimeType: timeType}
	out, err := c.cb.Execute(func() (interface{}, error) {
		var p Payload
		err := doJSON(ctx, c.client, c.header, http.MethodPost, c.baseURL+"/query", body, &p)
		if errors.Is(err, errNoContent) {
			return (*models.Value)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		v, err := p.Decode()
		if errors.Is(err, ErrNoValue) {
			return (*models.Value)(nil), nil
		}
		return v, err
	})
	if err != nil {
		slog.Error("ReportingClient.Query failed", "formula", formula, "timeString", timeString, "error", err)
		return nil, fmt.Errorf("reporting query: %w", err)
	}
	v := out.(*models.Value)
	slog.Debug("ReportingClient.Query succeeded", "formula", formula, "timeString", timeString, "empty", v == nil)
	return v, nil
}
