package push

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrNotificationNotFound 表示通知不存在或已关闭。
var ErrNotificationNotFound = errors.New("notification not found")

// ClickResult 描述一次点击的后续动作。OpenWindow 非空时表示需要打开该地址。
type ClickResult struct {
	Closed     bool   `json:"closed"`
	OpenWindow string `json:"open_window,omitempty"`
}

// Center 保存站点当前展示中的通知，按展示顺序排列。
type Center struct {
	logger *logrus.Logger
	opts   Options
	fields logrus.Fields
	now    func() time.Time

	mu    sync.Mutex
	items []Notification
}

// NewCenter 构造通知中心。
func NewCenter(logger *logrus.Logger, opts Options, fields logrus.Fields) *Center {
	return &Center{
		logger: logger,
		opts:   opts,
		fields: fields,
		now:    time.Now,
	}
}

// HandlePush 构造并展示一条通知，返回展示后的副本。
func (c *Center) HandlePush(msg Message) Notification {
	n := Build(msg, c.opts, c.now())
	n.ID = uuid.NewString()

	c.mu.Lock()
	c.items = append(c.items, n)
	c.mu.Unlock()

	c.log("notification_shown", logrus.Fields{
		"notification_id": n.ID,
		"has_payload":     msg.HasPayload,
	})
	return n
}

// List 返回当前展示中的通知副本。
func (c *Center) List() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, len(c.items))
	copy(out, c.items)
	return out
}

// Click 关闭通知；动作为 explore 时要求打开站点根路径。
func (c *Center) Click(id, action string) (ClickResult, error) {
	c.mu.Lock()
	idx := -1
	for i, n := range c.items {
		if n.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return ClickResult{}, ErrNotificationNotFound
	}
	c.items = append(c.items[:idx], c.items[idx+1:]...)
	c.mu.Unlock()

	result := ClickResult{Closed: true}
	if action == ActionExplore {
		result.OpenWindow = "/"
	}
	c.log("notification_clicked", logrus.Fields{
		"notification_id": id,
		"click_action":    action,
		"open_window":     result.OpenWindow,
	})
	return result, nil
}

func (c *Center) log(msg string, extra logrus.Fields) {
	if c.logger == nil {
		return
	}
	fields := logrus.Fields{"action": "push"}
	for k, v := range c.fields {
		fields[k] = v
	}
	for k, v := range extra {
		fields[k] = v
	}
	c.logger.WithFields(fields).Info(msg)
}
