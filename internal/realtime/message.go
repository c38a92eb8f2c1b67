package realtime

import "encoding/json"

// Phoenix channel wire message. Every frame in both directions has this
// envelope.
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

const (
	eventJoin       = "phx_join"
	eventReply      = "phx_reply"
	eventError      = "phx_error"
	eventClose      = "phx_close"
	eventHeartbeat  = "heartbeat"
	eventSystem     = "system"
	eventChanges   = "postgres_changes"
	eventBroadcast = "broadcast"
	heartbeatTopic = "phoenix"
)

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type joinConfig struct {
	Broadcast       broadcastConfig `json:"broadcast"`
	PostgresChanges []TableBinding  `json:"postgres_changes,omitempty"`
}

type broadcastConfig struct {
	Self bool `json:"self"`
}

// TableBinding asks the feed for row-level changes on one table.
type TableBinding struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// ChangeType tags a row-level change event.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is one row-level change delivered by the feed.
type ChangeEvent struct {
	Type      ChangeType      `json:"type"`
	Table     string          `json:"table"`
	Schema    string          `json:"schema"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
}

type changesPayload struct {
	Data ChangeEvent `json:"data"`
	IDs  []int64     `json:"ids"`
}

// BroadcastEvent is one ad hoc message on the channel's broadcast topic.
type BroadcastEvent struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}
