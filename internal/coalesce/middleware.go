package coalesce

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// PrincipalKey is the gin context key under which upstream auth places the
// caller identity. Requests without a principal still coalesce, keyed by the
// empty principal, which only groups other anonymous requests.
const PrincipalKey = "user_id"

// replayHeaders is the whitelist of headers copied onto a replayed response.
// Whitelist-by-default: anything not named here (hop-by-hop or otherwise) is
// never replayed to a duplicate.
var replayHeaders = []string{
	"Content-Type",
	"Location",
	"Cache-Control",
	"ETag",
	"X-Request-Id",
}

// Middleware returns the coalescing middleware for one logical endpoint.
// keyScope namespaces the fingerprints so unrelated endpoints never collide.
func (c *Coalescer) Middleware(keyScope string) gin.HandlerFunc {
	return func(gc *gin.Context) {
		if !isMutating(gc.Request.Method) || isStreaming(gc) {
			gc.Next()
			return
		}

		body, err := gc.GetRawData()
		if err != nil {
			gc.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
			return
		}
		// hand the body back to the handler chain
		gc.Request.Body = io.NopCloser(bytes.NewReader(body))

		fp := Fingerprint(keyScope, gc.GetString(PrincipalKey), body)
		e, owner := c.begin(fp)

		if !owner {
			c.follow(gc, e)
			return
		}

		cw := newCaptureWriter(gc.Writer)
		gc.Writer = cw
		// deferred so a panicking handler still resolves the entry: the
		// recovery middleware upstream turns the panic into a 500, but
		// followers must never be left waiting on an entry that cannot
		// complete.
		defer func() {
			gc.Writer = cw.ResponseWriter
			if cw.wrote {
				c.complete(fp, e, cw.snapshot())
			} else {
				// panic, closed connection, or handler bailed without responding
				c.fail(fp, e)
			}
		}()
		gc.Next()
	}
}

// follow suspends a duplicate until the original resolves, then replays the
// snapshot. A failed original rejects its followers; they are never served a
// bogus response.
func (c *Coalescer) follow(gc *gin.Context, e *entry) {
	select {
	case <-e.done:
	case <-gc.Request.Context().Done():
		gc.Abort()
		return
	}

	if e.failed || e.snap == nil {
		gc.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
			"error": "coalesced_request_failed",
		})
		return
	}

	h := gc.Writer.Header()
	for _, k := range replayHeaders {
		if v := e.snap.header.Get(k); v != "" {
			h.Set(k, v)
		}
	}
	gc.Writer.WriteHeader(e.snap.status)
	_, _ = gc.Writer.Write(e.snap.body)
	gc.Abort()
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// isStreaming spots requests whose responses cannot be snapshotted and
// replayed: server-sent events and streaming endpoints/uploads.
func isStreaming(gc *gin.Context) bool {
	if strings.HasSuffix(gc.Request.URL.Path, "/stream") {
		return true
	}
	if strings.Contains(gc.GetHeader("Accept"), "text/event-stream") {
		return true
	}
	if strings.HasPrefix(gc.GetHeader("Content-Type"), "multipart/") {
		return true
	}
	return false
}

// captureWriter tees the terminal response operations (WriteHeader, Write,
// WriteString) into a buffer while still flushing them to the real client.
type captureWriter struct {
	gin.ResponseWriter
	status int
	buf    bytes.Buffer
	wrote  bool
}

func newCaptureWriter(w gin.ResponseWriter) *captureWriter {
	return &captureWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *captureWriter) WriteHeader(code int) {
	w.status = code
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.wrote = true
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.wrote = true
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func (w *captureWriter) snapshot() *snapshot {
	header := http.Header{}
	for _, k := range replayHeaders {
		if v := w.Header().Get(k); v != "" {
			header.Set(k, v)
		}
	}
	return &snapshot{
		status: w.status,
		header: header,
		body:   append([]byte(nil), w.buf.Bytes()...),
	}
}
