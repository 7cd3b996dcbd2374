package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/dev-dollar/offline-proxy/internal/server"
)

// Forwarder 根据 SiteRoute 的站点名选择对应的 Worker，并把请求交给 Handler。
// 它实现 server.ProxyHandler，是路由层与站点 worker 之间的唯一入口。
type Forwarder struct {
	handler *Handler
	workers *Workers
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder。
func NewForwarder(handler *Handler, workers *Workers, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		workers: workers,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	requestID := server.RequestID(c)
	worker := f.lookup(route)
	if worker == nil || f.handler == nil {
		return f.respondMissingWorker(c, route, requestID)
	}
	return f.invokeWorker(c, route, worker, requestID)
}

func (f *Forwarder) respondMissingWorker(c fiber.Ctx, route *server.SiteRoute, requestID string) error {
	f.logSiteError(route, "worker_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "worker_missing"})
}

func (f *Forwarder) invokeWorker(c fiber.Ctx, route *server.SiteRoute, worker *Worker, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondWorkerPanic(c, route, r, requestID)
		}
	}()
	return f.handler.Serve(c, worker)
}

func (f *Forwarder) respondWorkerPanic(c fiber.Ctx, route *server.SiteRoute, recovered interface{}, requestID string) error {
	f.logSiteError(route, "worker_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "worker_panic"})
}

func (f *Forwarder) lookup(route *server.SiteRoute) *Worker {
	if route == nil {
		return nil
	}
	worker, _ := f.workers.Get(route.Config.Name)
	return worker
}

func (f *Forwarder) logSiteError(route *server.SiteRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{"site": "", "domain": ""}
	if route != nil {
		fields["site"] = route.Config.Name
		fields["domain"] = route.Config.Domain
	}
	fields["action"] = "proxy"
	fields["error"] = code
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("site worker unavailable")
}
