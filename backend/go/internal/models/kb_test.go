package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestFragment_CitationsRoundTrip(t *testing.T) {
	citations := map[string]interface{}{
		"laws":  []interface{}{"Lei 14.133/2021, art. 18", "Decreto 10.947/2022"},
		"court": map[string]interface{}{"tcu": "Acórdão 1234/2023"},
		"page":  float64(12),
	}
	f := &Fragment{ChunkID: "c1"}
	require.NoError(t, f.SetCitations(citations))
	assert.Equal(t, citations, f.Citations())
}

func TestFragment_CorruptJSONReadsEmpty(t *testing.T) {
	for _, raw := range []string{"{not json", `["a","list"]`, `"string"`, "42", "{"} {
		f := &Fragment{ChunkID: "c1", CitationsJSON: datatypes.JSON(raw), MetadataJSON: datatypes.JSON(raw)}
		assert.NotNil(t, f.Citations(), raw)
		assert.Empty(t, f.Citations(), raw)
		assert.Empty(t, f.Metadata(), raw)
	}
}

func TestSetMetadata_EmptyClearsColumn(t *testing.T) {
	d := &Document{DocumentID: "doc-1", MetadataJSON: datatypes.JSON(`{"a":1}`)}
	require.NoError(t, d.SetMetadata(nil))
	assert.Nil(t, d.MetadataJSON)
	assert.Empty(t, d.Metadata())
}

func TestDecodeMap(t *testing.T) {
	m, err := DecodeMap(nil)
	require.NoError(t, err)
	assert.Empty(t, m)

	m, err = DecodeMap([]byte("null"))
	require.NoError(t, err)
	assert.Empty(t, m)

	_, err = DecodeMap([]byte("{bad"))
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestFragment_ContentPreview(t *testing.T) {
	f := &Fragment{Content: "contratação direta"}
	assert.Equal(t, "contratação direta", f.ContentPreview(200))
	assert.Equal(t, "contrataçã...", f.ContentPreview(10))
	assert.Equal(t, "contratação direta", f.ContentPreview(len([]rune(f.Content))))
}

func TestLegalNorm_IsFreshBoundary(t *testing.T) {
	ttl := 7 * 24 * time.Hour
	verified := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	n := &LegalNorm{NormURN: "urn:lex:br:federal:lei:2021-04-01;14133", LastVerifiedAt: verified}

	assert.True(t, n.IsFresh(verified, ttl))
	assert.True(t, n.IsFresh(verified.Add(ttl), ttl), "exactly ttl old is fresh")
	assert.False(t, n.IsFresh(verified.Add(ttl+time.Second), ttl))
}

func TestEnums(t *testing.T) {
	assert.True(t, SphereEstadual.Valid())
	assert.False(t, Sphere("nacional").Valid())
	assert.True(t, NormRevoked.Valid())
	assert.False(t, NormStatus("draft").Valid())
}
