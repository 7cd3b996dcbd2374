package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/dev-dollar/offline-proxy/internal/fetch"
	"github.com/dev-dollar/offline-proxy/internal/logging"
	"github.com/dev-dollar/offline-proxy/internal/server"
)

// 响应头 X-Offline-Cache 的取值。
const (
	HeaderOfflineCache = "X-Offline-Cache"
	cacheHit           = "hit"
	cacheMiss          = "miss"
	cacheBypass        = "bypass"
)

// Handler 把 Fiber 请求转换成 fetch.Request，交给站点 Worker 分发，
// 再把分发结果写回客户端。未被拦截的请求直接回源。
type Handler struct {
	network fetch.Network
	logger  *logrus.Logger
}

// NewHandler constructs a proxy handler with the shared network client and logger.
func NewHandler(network fetch.Network, logger *logrus.Logger) *Handler {
	return &Handler{
		network: network,
		logger:  logger,
	}
}

// Serve 处理单个请求。worker 尚未接管时所有请求都按放行处理。
func (h *Handler) Serve(c fiber.Ctx, w *Worker) error {
	started := time.Now()
	requestID := server.RequestID(c)
	route := w.Route()
	req := buildRequest(c, route)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result := Result{Outcome: OutcomePassthrough, Strategy: StrategyPassthrough}
	if w.Lifecycle().Controlling() {
		result = w.Dispatcher().Dispatch(ctx, req)
	}

	switch result.Outcome {
	case OutcomeRespond:
		state := cacheMiss
		if result.Source == SourceCache {
			state = cacheHit
		}
		h.logResult(w, req, result, requestID, result.Response.Status, started, nil)
		return writeResponse(c, result.Response, state, requestID)

	case OutcomeNoResponse:
		h.logResult(w, req, result, requestID, fiber.StatusGatewayTimeout, started, errors.New("network_unavailable"))
		setRequestIDHeader(c, requestID)
		c.Set(HeaderOfflineCache, cacheMiss)
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"error": "network_unavailable"})
	}

	resp, err := h.network.Do(ctx, req)
	if err != nil {
		h.logResult(w, req, result, requestID, 0, started, err)
		setRequestIDHeader(c, requestID)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}
	result.Source = SourceNetwork
	h.logResult(w, req, result, requestID, resp.Status, started, nil)
	return writeResponse(c, resp, cacheBypass, requestID)
}

// buildRequest 以源站地址重建请求，并推断浏览器的 fetch 模式。
func buildRequest(c fiber.Ctx, route *server.SiteRoute) *fetch.Request {
	uri := c.Request().URI()
	target := route.UpstreamURL(string(uri.Path()), string(uri.QueryString()))

	header := fiberHeadersAsHTTP(c)
	header.Del(fiber.HeaderHost)
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Protocol())
	header.Set("X-Forwarded-Port", routePort(route))

	var body []byte
	if raw := c.Body(); len(raw) > 0 {
		body = append([]byte(nil), raw...)
	}

	method := strings.ToUpper(c.Method())
	return &fetch.Request{
		Method: method,
		URL:    target,
		Mode:   detectMode(method, header),
		Header: header,
		Body:   body,
	}
}

// detectMode 优先使用 Sec-Fetch-Mode；缺失时把 Accept 含 text/html 的 GET 视为导航。
func detectMode(method string, header http.Header) fetch.Mode {
	switch mode := fetch.Mode(strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode")))); mode {
	case fetch.ModeNavigate, fetch.ModeCORS, fetch.ModeNoCORS, fetch.ModeSameOrigin:
		return mode
	}
	if method == http.MethodGet && strings.Contains(strings.ToLower(header.Get("Accept")), "text/html") {
		return fetch.ModeNavigate
	}
	return fetch.ModeNoCORS
}

func writeResponse(c fiber.Ctx, resp *fetch.Response, state, requestID string) error {
	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderOfflineCache, state)
	setRequestIDHeader(c, requestID)
	c.Status(resp.Status)
	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func routePort(route *server.SiteRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}

func (h *Handler) logResult(
	w *Worker,
	req *fetch.Request,
	result Result,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	if h.logger == nil {
		return
	}
	site := w.Route().Config
	fields := logging.RequestFields(
		site.Name,
		site.Domain,
		site.CacheVersion,
		string(result.Strategy),
		string(result.Source),
		result.Source == SourceCache,
	)
	fields["action"] = "proxy"
	fields["method"] = req.Method
	fields["upstream"] = req.URL.String()
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
