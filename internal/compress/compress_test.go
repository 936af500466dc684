package compress_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok-labs/mcpgatewayd/internal/compress"
)

func repetitiveJSON(n int) []byte {
	var b strings.Builder
	b.WriteString(`{"items":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(`{"name":"item-` + strings.Repeat("x", 20) + `","value":12345}`)
	}
	b.WriteString(`]}`)
	return []byte(b.String())
}

func TestSelector_PassesThroughAtOrBelowMinSize(t *testing.T) {
	t.Parallel()
	s := compress.New(compress.Config{Enabled: []compress.Algorithm{compress.Zstd, compress.Gzip}, MinSize: 16})
	data := bytes.Repeat([]byte("a"), 16)

	algo, out, err := s.Compress(data)
	require.NoError(t, err)
	assert.Equal(t, compress.Algorithm(""), algo)
	assert.Equal(t, data, out)
}

func TestSelector_EngagesAboveMinSize(t *testing.T) {
	t.Parallel()
	s := compress.New(compress.Config{Enabled: []compress.Algorithm{compress.Zstd, compress.Gzip}, MinSize: 16})
	data := bytes.Repeat([]byte("a"), 17)

	algo, out, err := s.Compress(data)
	require.NoError(t, err)
	assert.NotEqual(t, compress.Algorithm(""), algo)
	assert.NotEqual(t, data, out)
}

func TestSelector_RoundTripEveryAlgorithm(t *testing.T) {
	t.Parallel()
	data := repetitiveJSON(200)

	for _, algo := range []compress.Algorithm{compress.Zstd, compress.Gzip} {
		algo := algo
		t.Run(string(algo), func(t *testing.T) {
			t.Parallel()
			s := compress.New(compress.Config{Enabled: []compress.Algorithm{algo}, MinSize: 1})
			gotAlgo, compressed, err := s.Compress(data)
			require.NoError(t, err)
			require.Equal(t, algo, gotAlgo)

			back, err := s.Decompress(gotAlgo, compressed)
			require.NoError(t, err)
			assert.Equal(t, data, back)
		})
	}
}

func TestSelector_CachesAlgorithmByFingerprint(t *testing.T) {
	t.Parallel()
	s := compress.New(compress.DefaultConfig())

	shapeA1 := []byte(`{"name":"alpha","value":1}` + strings.Repeat(" ", 1100))
	shapeA2 := []byte(`{"name":"beta","value":2}` + strings.Repeat(" ", 1100))

	algo1, _, err := s.Compress(shapeA1)
	require.NoError(t, err)
	algo2, _, err := s.Compress(shapeA2)
	require.NoError(t, err)

	assert.Equal(t, algo1, algo2, "payloads with the same JSON structure should share a cached algorithm choice")
}

func TestDecompress_EmptyAlgorithmIsPassThrough(t *testing.T) {
	t.Parallel()
	s := compress.New(compress.DefaultConfig())
	data := []byte("uncompressed")
	out, err := s.Decompress("", data)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}
