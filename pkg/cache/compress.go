package cache

import (
	"github.com/golang/snappy"

	"github.com/offstack/datastash/pkg/errs"
)

// maybeCompress snappy-encodes b when it is at least minSize bytes and the
// encoded form saves 10% or more. Compression burns CPU on both ends, so a
// marginal saving is not worth keeping.
func maybeCompress(b []byte, minSize int) (out []byte, compressed bool) {
	if minSize <= 0 || len(b) < minSize {
		return b, false
	}
	enc := snappy.Encode(nil, b)
	if len(enc)*10 > len(b)*9 {
		return b, false
	}
	return enc, true
}

func decompress(b []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, errs.New(errs.KindCorrupt, "cache.decompress", err)
	}
	return out, nil
}
