// Package lexml fetches legal-norm metadata from a LexML lookup service.
package lexml

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"procurement-kb/backend/go/internal/config"
	"procurement-kb/backend/go/internal/models"
	httpclient "procurement-kb/backend/go/pkg/http"
)

// ErrNormNotFound is returned when the service does not know the URN.
var ErrNormNotFound = errors.New("legal norm not found")

// Source queries LexML through the breaker-guarded HTTP client.
type Source struct {
	client  *httpclient.Client
	baseURL string
}

// NewSource builds a Source from the legal-norm and circuit-breaker settings.
func NewSource(cfg config.LegalNormConfig, cb config.CircuitBreakerConfig) (*Source, error) {
	if cfg.SourceURL == "" {
		return nil, fmt.Errorf("%w: legalNorms.sourceURL is required", config.ErrInvalid)
	}
	client, err := httpclient.NewClient(cb, config.ParseDurationOr(cfg.RequestTimeout, 0))
	if err != nil {
		return nil, err
	}
	return &Source{client: client, baseURL: cfg.SourceURL}, nil
}

type document struct {
	URN        string                 `json:"urn"`
	Label      string                 `json:"label"`
	Title      string                 `json:"title"`
	Sphere     string                 `json:"sphere"`
	Status     string                 `json:"status"`
	Situation  string                 `json:"situacao"`
	Attributes map[string]interface{} `json:"attributes"`
}

// Fetch looks up one norm and returns it as a payload ready for the cache.
func (s *Source) Fetch(ctx context.Context, urn string) (*models.NormPayload, error) {
	endpoint := s.baseURL + "?urn=" + url.QueryEscape(urn)

	var doc document
	if err := s.client.GetJSON(ctx, endpoint, &doc); err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", urn, ErrNormNotFound)
		}
		return nil, fmt.Errorf("lexml lookup %s: %w", urn, err)
	}

	payload := &models.NormPayload{
		URN:    urn,
		Label:  firstNonEmpty(doc.Label, doc.Title, urn),
		Sphere: sphereOf(doc.Sphere, urn),
		Status: statusOf(firstNonEmpty(doc.Status, doc.Situation)),
		Source: map[string]interface{}{"provider": "lexml", "endpoint": s.baseURL},
	}
	if doc.URN != "" {
		payload.Source["urn"] = doc.URN
	}
	for k, v := range doc.Attributes {
		payload.Source[k] = v
	}
	return payload, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// sphereOf trusts an explicit sphere and otherwise reads it from the URN,
// e.g. urn:lex:br;sao.paulo:estadual:lei:... . Federal is the fallback.
func sphereOf(explicit, urn string) models.Sphere {
	if s := models.Sphere(strings.ToLower(strings.TrimSpace(explicit))); s.Valid() {
		return s
	}
	lower := strings.ToLower(urn)
	switch {
	case strings.Contains(lower, ":municipal:"):
		return models.SphereMunicipal
	case strings.Contains(lower, ":estadual:"):
		return models.SphereEstadual
	default:
		return models.SphereFederal
	}
}

// statusOf maps English and Portuguese situations onto NormStatus. Unknown
// values are treated as active.
func statusOf(raw string) models.NormStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "revoked", "revogada", "revogado":
		return models.NormRevoked
	case "modified", "alterada", "alterado":
		return models.NormModified
	default:
		return models.NormActive
	}
}
