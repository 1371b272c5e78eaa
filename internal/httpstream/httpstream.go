// Package httpstream holds the response relay primitives shared by
// CloudRouter and ProxyCore: hop-by-hop header stripping and
// byte-exact buffered/streaming body pass-through.
package httpstream

import (
	"io"
	"net/http"
	"strings"
)

// hopByHop lists headers that apply to one transport hop and must
// never be forwarded verbatim (RFC 7230 §6.1, plus the historical
// Keep-Alive/Proxy-* additions most HTTP libraries also strip).
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// CopyHeaders copies src into dst, skipping hop-by-hop headers and any
// header additionally named in src's own Connection header.
func CopyHeaders(dst, src http.Header) {
	skip := make(map[string]struct{}, len(hopByHop))
	for k := range hopByHop {
		skip[k] = struct{}{}
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			skip[http.CanonicalHeaderKey(strings.TrimSpace(name))] = struct{}{}
		}
	}
	for k, vv := range src {
		if _, ok := skip[http.CanonicalHeaderKey(k)]; ok {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// IsEventStream reports whether a Content-Type value indicates an SSE
// body that must be relayed chunk-by-chunk rather than buffered.
func IsEventStream(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "text/event-stream")
}

// Relay writes resp's status and headers to w, then copies its body.
// When streaming is true the body is flushed after every read so SSE
// events reach the client as they arrive instead of being buffered;
// w must implement http.Flusher for that to take effect, which every
// real net/http ResponseWriter does.
func Relay(w http.ResponseWriter, resp *http.Response, streaming bool) (int64, error) {
	CopyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if !streaming {
		return io.Copy(w, resp.Body)
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	var written int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			wn, writeErr := w.Write(buf[:n])
			written += int64(wn)
			if flusher != nil {
				flusher.Flush()
			}
			if writeErr != nil {
				return written, writeErr
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
