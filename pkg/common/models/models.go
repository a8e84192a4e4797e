package models

import (
	"encoding/json"
	"time"
)

// Message types carried in Envelope.Type.
const (
	TypeNewLink         = "new_link"
	TypePendingApproval = "pending_approval"
	TypePublishRequest  = "publish_request"
	TypeDeadLetter      = "dead_letter"
)

// Event Bus models
type Envelope struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Source    string            `json:"source"`
	Payload   json.RawMessage   `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// NewLink is emitted by ingestion for every accepted URL.
type NewLink struct {
	URL      string `json:"url"`
	SourceID int64  `json:"source_id"`
}

// PendingApproval announces an item awaiting admin decisions.
type PendingApproval struct {
	ItemID int64 `json:"item_id"`
}

// PublishRequest asks the dispatcher to deliver one item to one destination.
type PublishRequest struct {
	ItemID        int64 `json:"item_id"`
	DestinationID int64 `json:"destination_id"`
}

// DeadLetter wraps a message that could not be processed and needs manual
// re-drive. Payload is the original envelope, byte for byte.
type DeadLetter struct {
	Stage    string          `json:"stage"`
	Topic    string          `json:"topic"`
	Key      string          `json:"key"`
	Payload  json.RawMessage `json:"payload"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
	FailedAt time.Time       `json:"failed_at"`
}

// Decision is the admin verdict for one (item, destination) pair.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// DecisionRequest is accepted from the approval UI collaborators.
type DecisionRequest struct {
	ItemID        int64    `json:"item_id"`
	DestinationID int64    `json:"destination_id"`
	Decision      Decision `json:"decision"`
	Admin         string   `json:"admin"`
}

// IngestRequest is the HTTP body accepted by the ingestion API.
type IngestRequest struct {
	URL      string `json:"url"`
	SourceID int64  `json:"source_id"`
}

type IngestResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Content is what the extraction collaborator returns for a URL.
type Content struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}
