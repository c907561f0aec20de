package devserver

import (
	"bufio"
	"errors"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog"
)

const (
	gzipMinSize  = 512
	brotliLevel  = 4
	encodingBR   = "br"
	headerVary   = "Vary"
	headerAccept = "Accept-Encoding"
)

// compression negotiates the response encoding: brotli when the client
// accepts it, gzip otherwise. Range requests skip brotli so byte offsets
// keep referring to the file on disk.
func compression(next http.Handler) (http.Handler, error) {
	gz, err := gzhttp.NewWrapper(gzhttp.MinSize(gzipMinSize))
	if err != nil {
		return nil, err
	}
	gzipped := gz(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.Header.Get("Range") != "" || !acceptsEncoding(r.Header.Get(headerAccept), encodingBR) {
			gzipped.ServeHTTP(w, r)
			return
		}

		w.Header().Add(headerVary, headerAccept)
		bw := &brotliResponseWriter{ResponseWriter: w}
		next.ServeHTTP(bw, r)
		if err := bw.Close(); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Failed to finish brotli stream")
		}
	}), nil
}

// acceptsEncoding reports whether an Accept-Encoding header allows enc,
// honoring an explicit q=0.
func acceptsEncoding(header, enc string) bool {
	for part := range strings.SplitSeq(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(name), enc) {
			continue
		}
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if q, err := strconv.ParseFloat(v, 64); err == nil && q == 0 {
				return false
			}
		}
		return true
	}
	return false
}

func compressible(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	switch mediaType {
	case "application/javascript", "application/json", "application/wasm",
		"application/xml", "image/svg+xml", "application/manifest+json":
		return true
	}
	return false
}

type brotliResponseWriter struct {
	http.ResponseWriter
	bw          *brotli.Writer
	wroteHeader bool
}

func (w *brotliResponseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true

	h := w.Header()
	if code == http.StatusOK && h.Get("Content-Encoding") == "" && compressible(h.Get("Content-Type")) {
		h.Del("Content-Length")
		h.Set("Content-Encoding", encodingBR)
		w.bw = brotli.NewWriterLevel(w.ResponseWriter, brotliLevel)
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *brotliResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", http.DetectContentType(p))
		}
		w.WriteHeader(http.StatusOK)
	}
	if w.bw != nil {
		return w.bw.Write(p)
	}
	return w.ResponseWriter.Write(p)
}

func (w *brotliResponseWriter) Close() error {
	if w.bw == nil {
		return nil
	}
	return w.bw.Close()
}

func (w *brotliResponseWriter) Flush() {
	if w.bw != nil {
		_ = w.bw.Flush()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *brotliResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
