package hub

import "github.com/pelusa-v/garage-link/internal/notify"

const KindNotifications = "notifications"

// Frame is pushed to every local client whenever its view may have changed.
type Frame struct {
	Kind      string        `json:"kind"` // "notifications"
	Items     []notify.Item `json:"items"`
	HasUnread bool          `json:"has_unread"`
}

// FocusMessage is sent by a client when it opens or leaves a conversation;
// 0 means none is open.
type FocusMessage struct {
	Open *int64 `json:"open"`
}

// ViewSource derives the notification view for one open conversation.
type ViewSource interface {
	View(open int64) notify.View
}

type ViewFunc func(open int64) notify.View

func (f ViewFunc) View(open int64) notify.View { return f(open) }
