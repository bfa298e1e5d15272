// Package compress is this module's counterpart to the teacher's pbm/compress
// concern (confirmed by pbm/restore/restore.go's compress.CompressionType,
// compress.Decompress(reader, type), and its snappy.ErrCorrupt-triggered
// fallback to S2): a small codec registry used to compress the artifacts this
// tailer produces (archived checkpoint files, sink request bodies).
package compress

import (
	"bytes"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/pgzip"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

// CompressionType names a codec. The teacher's go.mod carries exactly these
// four.
type CompressionType string

const (
	CompressionNone   CompressionType = ""
	CompressionGzip   CompressionType = "gzip"
	CompressionPGzip  CompressionType = "pgzip"
	CompressionSnappy CompressionType = "snappy"
	CompressionLZ4    CompressionType = "lz4"
)

// Compress writes the gzip/pgzip/snappy/lz4-compressed form of data to w.
func Compress(w io.Writer, data []byte, c CompressionType) error {
	switch c {
	case CompressionNone:
		_, err := w.Write(data)
		return errors.Wrap(err, "write uncompressed")
	case CompressionGzip:
		gw := gzip.NewWriter(w)
		if _, err := gw.Write(data); err != nil {
			return errors.Wrap(err, "gzip write")
		}
		return errors.Wrap(gw.Close(), "gzip close")
	case CompressionPGzip:
		gw := pgzip.NewWriter(w)
		if _, err := gw.Write(data); err != nil {
			return errors.Wrap(err, "pgzip write")
		}
		return errors.Wrap(gw.Close(), "pgzip close")
	case CompressionSnappy:
		sw := snappy.NewBufferedWriter(w)
		if _, err := sw.Write(data); err != nil {
			return errors.Wrap(err, "snappy write")
		}
		return errors.Wrap(sw.Close(), "snappy close")
	case CompressionLZ4:
		lw := lz4.NewWriter(w)
		if _, err := lw.Write(data); err != nil {
			return errors.Wrap(err, "lz4 write")
		}
		return errors.Wrap(lw.Close(), "lz4 close")
	default:
		return errors.Errorf("unknown compression type %q", c)
	}
}

// Decompress returns a reader yielding the decompressed bytes of r.
func Decompress(r io.Reader, c CompressionType) (io.ReadCloser, error) {
	switch c {
	case CompressionNone:
		return io.NopCloser(r), nil
	case CompressionGzip:
		gr, err := gzip.NewReader(r)
		return gr, errors.Wrap(err, "gzip reader")
	case CompressionPGzip:
		gr, err := pgzip.NewReader(r)
		return gr, errors.Wrap(err, "pgzip reader")
	case CompressionSnappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, errors.Errorf("unknown compression type %q", c)
	}
}

// CompressBytes is a convenience wrapper around Compress for in-memory
// payloads, used by the Elasticsearch sink adapter to gzip request bodies
// before sending them over the wire, and by the tailer to compress the
// checkpoint file it archives.
func CompressBytes(data []byte, c CompressionType) ([]byte, error) {
	var buf bytes.Buffer
	if err := Compress(&buf, data, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
