package archive

import (
	"compress/flate"
	"io"
)

// newFastDeflateCompressor registers a deflate compressor at BestSpeed
// rather than zip's default level, since archive inputs are largely
// already-compressed binary assets and a high compression level buys
// little ratio for a large time cost.
func newFastDeflateCompressor(w io.Writer) (io.WriteCloser, error) {
	return flate.NewWriter(w, flate.BestSpeed)
}
