package routes

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/dev-dollar/offline-proxy/internal/cache"
	"github.com/dev-dollar/offline-proxy/internal/proxy"
	"github.com/dev-dollar/offline-proxy/internal/push"
)

// RegisterSiteRoutes 暴露 /-/sites 诊断接口：查看 worker 状态与缓存分区，
// 并提供触发激活、后台同步与推送消息的入口。
func RegisterSiteRoutes(app *fiber.App, workers *proxy.Workers) {
	if app == nil || workers == nil {
		return
	}

	app.Get("/-/sites", func(c fiber.Ctx) error {
		list := workers.List()
		payload := make([]sitePayload, 0, len(list))
		for _, w := range list {
			payload = append(payload, encodeSite(w))
		}
		return c.JSON(fiber.Map{"sites": payload})
	})

	app.Get("/-/sites/:site/caches", withWorker(workers, func(c fiber.Ctx, w *proxy.Worker) error {
		partitions, err := listPartitions(c, w.Store())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
		}
		return c.JSON(fiber.Map{"site": w.Route().Config.Name, "partitions": partitions})
	}))

	app.Post("/-/sites/:site/activate", withWorker(workers, func(c fiber.Ctx, w *proxy.Worker) error {
		pruned, err := w.Lifecycle().Activate(c.Context())
		payload := fiber.Map{
			"site":        w.Route().Config.Name,
			"state":       w.Lifecycle().State(),
			"controlling": w.Lifecycle().Controlling(),
			"pruned":      nonNil(pruned),
		}
		if err != nil {
			payload["error"] = err.Error()
		}
		return c.JSON(payload)
	}))

	app.Post("/-/sites/:site/sync/:tag", withWorker(workers, func(c fiber.Ctx, w *proxy.Worker) error {
		tag := strings.TrimSpace(c.Params("tag"))
		if tag == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sync_tag_required"})
		}
		if !w.Sync().Known(tag) {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"tag": tag, "status": "ignored"})
		}
		if err := w.Sync().Register(c.Context(), tag); err != nil {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
				"tag":     tag,
				"status":  "pending",
				"pending": w.Sync().Pending(),
			})
		}
		return c.JSON(fiber.Map{"tag": tag, "status": "synced", "pending": w.Sync().Pending()})
	}))

	app.Post("/-/sites/:site/push", withWorker(workers, func(c fiber.Ctx, w *proxy.Worker) error {
		body := c.Body()
		msg := push.Message{HasPayload: len(body) > 0}
		if msg.HasPayload {
			msg.Payload = append([]byte(nil), body...)
		}
		notification := w.Notifications().HandlePush(msg)
		return c.Status(fiber.StatusCreated).JSON(notification)
	}))

	app.Get("/-/sites/:site/notifications", withWorker(workers, func(c fiber.Ctx, w *proxy.Worker) error {
		return c.JSON(fiber.Map{"notifications": w.Notifications().List()})
	}))

	app.Post("/-/sites/:site/notifications/:id/click", withWorker(workers, func(c fiber.Ctx, w *proxy.Worker) error {
		var req clickRequest
		if raw := c.Body(); len(raw) > 0 {
			if err := json.Unmarshal(raw, &req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_click_body"})
			}
		}
		result, err := w.Notifications().Click(c.Params("id"), req.Action)
		if errors.Is(err, push.ErrNotificationNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "notification_not_found"})
		}
		return c.JSON(result)
	}))
}

type clickRequest struct {
	Action string `json:"action"`
}

type sitePayload struct {
	Name         string   `json:"name"`
	Domain       string   `json:"domain"`
	Origin       string   `json:"origin"`
	Scope        string   `json:"scope"`
	State        string   `json:"state"`
	Controlling  bool     `json:"controlling"`
	StaticCache  string   `json:"static_cache"`
	DynamicCache string   `json:"dynamic_cache"`
	StaticAssets []string `json:"static_assets"`
	SyncPending  []string `json:"sync_pending"`
}

type partitionPayload struct {
	Name    string   `json:"name"`
	Entries []string `json:"entries"`
}

func encodeSite(w *proxy.Worker) sitePayload {
	route := w.Route()
	assets := make([]string, 0, len(route.StaticAssets))
	for _, asset := range route.StaticAssets {
		assets = append(assets, asset.String())
	}
	return sitePayload{
		Name:         route.Config.Name,
		Domain:       route.Config.Domain,
		Origin:       route.OriginURL.String(),
		Scope:        route.ScopeURL.String(),
		State:        string(w.Lifecycle().State()),
		Controlling:  w.Lifecycle().Controlling(),
		StaticCache:  route.Config.StaticCacheName(),
		DynamicCache: route.Config.DynamicCacheName(),
		StaticAssets: assets,
		SyncPending:  nonNil(w.Sync().Pending()),
	}
}

func listPartitions(c fiber.Ctx, store cache.Store) ([]partitionPayload, error) {
	summaries, err := cache.Snapshot(c.Context(), store)
	if err != nil {
		return nil, err
	}
	result := make([]partitionPayload, 0, len(summaries))
	for _, s := range summaries {
		result = append(result, partitionPayload{Name: s.Name, Entries: nonNil(s.Entries)})
	}
	return result, nil
}

func withWorker(workers *proxy.Workers, next func(fiber.Ctx, *proxy.Worker) error) fiber.Handler {
	return func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("site"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "site_required"})
		}
		w, ok := workers.Get(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}
		return next(c, w)
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
