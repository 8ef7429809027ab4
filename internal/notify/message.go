package notify

const (
	TypeInitial = "notifications.initial"
	TypeUpdate  = "notifications.update"
)

// Item is the unread state of one service-request conversation.
type Item struct {
	ServiceRequestID int64  `json:"service_request_id"`
	UnreadCount      int    `json:"unread_count"`
	CounterpartName  string `json:"counterpart_name"`
}

// Envelope is a server frame: Items for initial snapshots, Item for updates.
type Envelope struct {
	Type  string `json:"type"`
	Items []Item `json:"items,omitempty"`
	Item  *Item  `json:"item,omitempty"`
}

type View struct {
	Items     []Item `json:"items"`
	HasUnread bool   `json:"has_unread"`
}
