package lexml

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"procurement-kb/backend/go/internal/config"
	"procurement-kb/backend/go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSource(t *testing.T, handler http.HandlerFunc) *Source {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s, err := NewSource(
		config.LegalNormConfig{SourceURL: srv.URL, RequestTimeout: "2s"},
		config.CircuitBreakerConfig{Enabled: true, FailureThreshold: 3, SuccessThreshold: 1, Timeout: "1m"},
	)
	require.NoError(t, err)
	return s
}

func TestFetch(t *testing.T) {
	urn := "urn:lex:br:federal:lei:2021-04-01;14133"
	s := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, urn, r.URL.Query().Get("urn"))
		_, _ = w.Write([]byte(`{"urn":"` + urn + `","title":"Lei nº 14.133/2021","situacao":"Alterada","attributes":{"ementa":"Licitações e Contratos"}}`))
	})

	p, err := s.Fetch(context.Background(), urn)
	require.NoError(t, err)
	assert.Equal(t, "Lei nº 14.133/2021", p.Label)
	assert.Equal(t, models.SphereFederal, p.Sphere)
	assert.Equal(t, models.NormModified, p.Status)
	assert.Equal(t, "Licitações e Contratos", p.Source["ementa"])
}

func TestFetch_NotFound(t *testing.T) {
	s := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	_, err := s.Fetch(context.Background(), "urn:lex:br:federal:lei:1900;1")
	assert.ErrorIs(t, err, ErrNormNotFound)
}

func TestSphereAndStatusMapping(t *testing.T) {
	assert.Equal(t, models.SphereEstadual, sphereOf("", "urn:lex:br;sao.paulo:estadual:lei:2023;17800"))
	assert.Equal(t, models.SphereMunicipal, sphereOf("", "urn:lex:br;sao.paulo;sao.paulo:municipal:decreto:2020;1"))
	assert.Equal(t, models.SphereEstadual, sphereOf("Estadual", "urn:x"))
	assert.Equal(t, models.NormRevoked, statusOf("Revogada"))
	assert.Equal(t, models.NormActive, statusOf(""))
}

func TestNewSource_RequiresURL(t *testing.T) {
	_, err := NewSource(config.LegalNormConfig{}, config.CircuitBreakerConfig{})
	assert.ErrorIs(t, err, config.ErrInvalid)
}
