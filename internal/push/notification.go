// Package push 处理推送消息：构造通知、维护站点的通知中心，并响应通知点击。
package push

import "time"

// 通知动作标识。
const (
	ActionExplore = "explore"
	ActionClose   = "close"
)

// Action 是通知上的一个按钮。
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Data 附带在通知上的元数据。
type Data struct {
	DateOfArrival int64 `json:"dateOfArrival"`
	PrimaryKey    int   `json:"primaryKey"`
}

// Notification 描述一条展示给用户的通知。
type Notification struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Icon    string   `json:"icon"`
	Badge   string   `json:"badge"`
	Vibrate []int    `json:"vibrate"`
	Data    Data     `json:"data"`
	Actions []Action `json:"actions"`
}

// Options 决定通知的固定展示内容。
type Options struct {
	Title       string
	DefaultBody string
	Icon        string
}

// Message 是一条推送消息。HasPayload 为 false 表示消息不带数据，
// 与携带空字符串的数据区分开。
type Message struct {
	Payload    []byte
	HasPayload bool
}

// Build 根据推送消息构造通知：有数据时以数据文本为正文，否则使用默认正文。
func Build(msg Message, opts Options, now time.Time) Notification {
	body := opts.DefaultBody
	if msg.HasPayload {
		body = string(msg.Payload)
	}
	return Notification{
		Title:   opts.Title,
		Body:    body,
		Icon:    opts.Icon,
		Badge:   opts.Icon,
		Vibrate: []int{100, 50, 100},
		Data: Data{
			DateOfArrival: now.UnixMilli(),
			PrimaryKey:    1,
		},
		Actions: []Action{
			{Action: ActionExplore, Title: "View Campaign", Icon: opts.Icon},
			{Action: ActionClose, Title: "Close", Icon: opts.Icon},
		},
	}
}
