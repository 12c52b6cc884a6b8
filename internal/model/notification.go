package model

import (
	"encoding/json"
	"time"
)

// Priority classifies how urgently a notification must be delivered
type Priority string

const (
	// PriorityUrgent is delivered ahead of everything else
	PriorityUrgent Priority = "urgent"
	// PriorityHigh is delivered before normal traffic
	PriorityHigh Priority = "high"
	// PriorityNormal is the default delivery class
	PriorityNormal Priority = "normal"
	// PriorityLow is background traffic, delivered last
	PriorityLow Priority = "low"
)

// Weight returns the base score weight for a priority class
func (p Priority) Weight() float64 {
	switch p {
	case PriorityUrgent:
		return 1000
	case PriorityHigh:
		return 100
	case PriorityNormal:
		return 10
	case PriorityLow:
		return 1
	default:
		return 10
	}
}

// Valid reports whether p is a known priority class
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// NotificationType tags the kind of event a notification carries
type NotificationType string

const (
	// TypeSecurity covers auth and access events
	TypeSecurity NotificationType = "security"
	// TypeSystem covers platform-originated events
	TypeSystem NotificationType = "system"
	// TypeResource covers resource lifecycle events
	TypeResource NotificationType = "resource"
	// TypeOther covers everything else
	TypeOther NotificationType = "other"
)

// Multiplier returns the score multiplier for a notification type
func (t NotificationType) Multiplier() float64 {
	switch t {
	case TypeSecurity:
		return 2.0
	case TypeSystem:
		return 1.5
	case TypeResource:
		return 1.3
	default:
		return 1.0
	}
}

// NotificationRecord is a single pending notification.
// The payload is opaque to the delivery layer; Metadata is a bounded
// key/value bag and must not drive control flow.
type NotificationRecord struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id,omitempty"`
	ThreadID  string                 `json:"thread_id,omitempty"`
	Priority  Priority               `json:"priority"`
	Type      NotificationType       `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	TTL       time.Duration          `json:"ttl,omitempty"`
}

// Encode serializes the record for storage
func (r *NotificationRecord) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeNotificationRecord deserializes a stored record
func DecodeNotificationRecord(data []byte) (*NotificationRecord, error) {
	var r NotificationRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// QueueEntry is a (key, score) pair in the priority queue.
// Attempts counts failed processing attempts; each failure decays the
// score by a fixed factor so a poison record cannot starve the queue.
type QueueEntry struct {
	Key      string  `json:"key"`
	Score    float64 `json:"score"`
	Attempts int     `json:"attempts"`
}

// UpdateOp is the kind of cache update propagated between instances
type UpdateOp string

const (
	// UpdateOpSet propagates a new or changed value
	UpdateOpSet UpdateOp = "set"
	// UpdateOpDelete propagates a removal
	UpdateOpDelete UpdateOp = "delete"
)

// CacheUpdate is one entry of a cross-instance change-set
type CacheUpdate struct {
	Op        UpdateOp        `json:"op"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
	TTL       time.Duration   `json:"ttl,omitempty"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
}

// ChangeSet is the change batch a leader publishes for one cycle
type ChangeSet struct {
	Sequence    int64         `json:"sequence"`
	LeaderID    string        `json:"leader_id"`
	Updates     []CacheUpdate `json:"updates"`
	PublishedAt time.Time     `json:"published_at"`
}

// Event is one row of the append-only audit events table
type Event struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Version   int                    `json:"version"`
}

// DeadLetter is a notification that exhausted its retries
type DeadLetter struct {
	RecordID string    `json:"record_id"`
	Payload  []byte    `json:"payload"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}
