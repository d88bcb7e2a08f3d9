package engineio

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// negotiateEncoding picks a content encoding supported by both sides, or ""
// when the response should go out uncompressed.
func negotiateEncoding(r *http.Request) string {
	accepted := r.Header.Get("Accept-Encoding")
	for _, enc := range []string{"gzip", "br"} {
		for _, part := range strings.Split(accepted, ",") {
			name := strings.TrimSpace(part)
			if i := strings.IndexByte(name, ';'); i >= 0 {
				name = strings.TrimSpace(name[:i])
			}
			if name == enc {
				return enc
			}
		}
	}
	return ""
}

// compressBody writes body to w applying the negotiated encoding when it
// pays off. The Content-Encoding header is set before the first write.
func compressBody(w http.ResponseWriter, r *http.Request, body []byte, opts *CompressionOptions) error {
	if opts == nil || len(body) < opts.Threshold {
		_, err := w.Write(body)
		return err
	}
	switch negotiateEncoding(r) {
	case "gzip":
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzip.NewWriter(w)
		return writeAndClose(gw, body)
	case "br":
		w.Header().Set("Content-Encoding", "br")
		bw := brotli.NewWriter(w)
		return writeAndClose(bw, body)
	default:
		_, err := w.Write(body)
		return err
	}
}

func writeAndClose(w io.WriteCloser, body []byte) error {
	if _, err := w.Write(body); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
