package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeProductID(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"canonical", "MLB1234567890", "MLB1234567890"},
		{"canonical lowercase", "mlb1234567890", "MLB1234567890"},
		{"hyphenated", "MLB-9999", "MLB9999"},
		{"hyphenated lowercase", "mlb-1234567890", "MLB1234567890"},
		{"bare digits get default site", "1234567890", "MLB1234567890"},
		{"surrounding whitespace", "  MLB1234567890  ", "MLB1234567890"},
		{"product url", "https://produto.mercadolivre.com.br/MLB-1234567890-suporte-veicular-_JM", "MLB1234567890"},
		{"catalog url", "https://www.mercadolivre.com.br/p/MLB19955767", "MLB19955767"},
		{"url with query string", "https://produto.mercadolivre.com.br/MLB-1234567890?pdp_filters=a#reco", "MLB1234567890"},
		{"argentine site", "MLA-123456", "MLA123456"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeProductID(tc.input, "MLB")
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeProductIDIdempotent(t *testing.T) {
	once, err := NormalizeProductID("mlb-1234567890", "MLB")
	require.NoError(t, err)

	twice, err := NormalizeProductID(once, "MLB")
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestNormalizeProductIDRejects(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"whitespace only", "   "},
		{"garbage", "not a product"},
		{"url without identifier", "https://www.mercadolivre.com.br/ofertas"},
		{"prefix without digits", "MLB"},
		{"mixed trailing junk", "MLB1234abc"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NormalizeProductID(tc.input, "MLB")
			assert.Error(t, err)
		})
	}
}

func TestNumericPart(t *testing.T) {
	bare, hadPrefix := numericPart("MLB1234567890")
	assert.True(t, hadPrefix)
	assert.Equal(t, "1234567890", bare)

	bare, hadPrefix = numericPart("1234567890")
	assert.False(t, hadPrefix)
	assert.Equal(t, "1234567890", bare)
}

func TestKeywordQuery(t *testing.T) {
	// Accents are flattened and Portuguese filler words dropped.
	assert.Equal(t, "camera seguranca wi-fi 360", keywordQuery("Câmera de Segurança Wi-Fi 360", 4))
	assert.Equal(t, "suporte veicular", keywordQuery("Suporte Veicular para Celular", 2))
	assert.Equal(t, "", keywordQuery("", 4))
	assert.Equal(t, "", keywordQuery("de da o a", 4))
}
