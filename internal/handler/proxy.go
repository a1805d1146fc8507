package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"

	"cors-relay-go/internal/model"
	"cors-relay-go/internal/service"
)

const copyBufferSize = 32 << 10

var copyBuffers = sync.Pool{
	New: func() any {
		b := make([]byte, copyBufferSize)
		return &b
	},
}

// ProxyHandler relays any request whose path embeds a target URL.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle relays the request and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		RawTarget:     rawTarget(req),
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		Peer: model.Peer{
			IP:    c.RealIP(),
			Proto: scheme(req),
			Host:  req.Host,
		},
	}

	resp := h.service.Handle(pr)
	defer func() { _ = resp.Body.Close() }()

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	if !bodyAllowed(req.Method, resp.StatusCode) {
		return nil
	}

	// Headers are already sent, so a failed copy leaves the caller with a
	// truncated body under the original status.
	if _, err := copyBody(c.Response(), resp.Body, needsFlush(resp.Header)); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"method", req.Method,
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		)
	}

	return nil
}

// rawTarget returns the request-target exactly as the caller sent it. An
// absolute-form target names the relay itself, so only its path and query
// are kept.
func rawTarget(req *http.Request) string {
	if strings.HasPrefix(req.RequestURI, "/") {
		return req.RequestURI
	}
	return req.URL.RequestURI()
}

// scheme reports how the caller reached the relay, ignoring forwarding headers.
func scheme(req *http.Request) string {
	if req.TLS != nil {
		return "https"
	}
	return "http"
}

func bodyAllowed(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// needsFlush reports whether each chunk should reach the caller immediately.
func needsFlush(h http.Header) bool {
	if h.Get("Content-Length") == "" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}

// copyBody streams src to w through a pooled buffer, so memory stays fixed
// regardless of body size.
func copyBody(w *echo.Response, src io.Reader, flush bool) (int64, error) {
	bp := copyBuffers.Get().(*[]byte)
	defer copyBuffers.Put(bp)
	buf := *bp

	if !flush {
		return io.CopyBuffer(writerOnly{w}, src, buf)
	}

	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			w.Flush()
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// writerOnly hides any ReadFrom so io.CopyBuffer uses the pooled buffer.
type writerOnly struct {
	io.Writer
}
