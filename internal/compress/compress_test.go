package compress

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAllCodecs(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog, repeated for compressibility: " +
		"the quick brown fox jumps over the lazy dog")

	for _, c := range []CompressionType{CompressionNone, CompressionGzip, CompressionPGzip, CompressionSnappy, CompressionLZ4} {
		t.Run(string(c)+"_or_none", func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Compress(&buf, payload, c))

			rc, err := Decompress(&buf, c)
			require.NoError(t, err)
			defer rc.Close()

			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestUnknownCompressionTypeErrors(t *testing.T) {
	_, err := CompressBytes([]byte("x"), CompressionType("bogus"))
	assert.Error(t, err)
}
