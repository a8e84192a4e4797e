package content

import (
	"time"

	"github.com/robopost/platform/pkg/common/models"
	"gorm.io/datatypes"
)

type ItemStatus string

const (
	StatusProcessing      ItemStatus = "PROCESSING"
	StatusPendingApproval ItemStatus = "PENDING_APPROVAL"
	StatusApproved        ItemStatus = "APPROVED"
	StatusRejected        ItemStatus = "REJECTED"
	StatusPublishing      ItemStatus = "PUBLISHING"
	StatusPublished       ItemStatus = "PUBLISHED"
	StatusFailed          ItemStatus = "FAILED"
)

type Platform string

const (
	PlatformTelegram  Platform = "TELEGRAM"
	PlatformWordPress Platform = "WORDPRESS"
	PlatformInstagram Platform = "INSTAGRAM"
	PlatformTwitter   Platform = "TWITTER"
)

type PublicationStatus string

const (
	PublicationSuccess PublicationStatus = "SUCCESS"
	PublicationFailed  PublicationStatus = "FAILED"
)

type Source struct {
	ID        int64     `json:"id" gorm:"primaryKey;column:id"`
	Name      string    `json:"name" gorm:"column:name;size:255;not null"`
	URL       string    `json:"url" gorm:"column:url;size:2048;not null;uniqueIndex"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at"`
}

type Destination struct {
	ID                 int64             `json:"id" gorm:"primaryKey;column:id"`
	Name               string            `json:"name" gorm:"column:name;size:255;not null"`
	Platform           Platform          `json:"platform" gorm:"column:platform;size:32;not null"`
	Credentials        datatypes.JSONMap `json:"-" gorm:"column:credentials;not null"`
	RateLimitPerMinute *int              `json:"rate_limit_per_minute,omitempty" gorm:"column:rate_limit_per_minute"`
	CreatedAt          time.Time         `json:"created_at" gorm:"column:created_at"`
}

type SourceDestination struct {
	SourceID      int64 `gorm:"primaryKey;column:source_id"`
	DestinationID int64 `gorm:"primaryKey;column:destination_id"`
	Enabled       bool  `gorm:"column:enabled;not null;default:true"`
}

// Admin is identified by the external chat identity used in approval prompts.
type Admin struct {
	ID         int64     `json:"id" gorm:"primaryKey;column:id"`
	ExternalID string    `json:"external_id" gorm:"column:external_id;size:255;not null;uniqueIndex"`
	Name       string    `json:"name" gorm:"column:name;size:255;not null"`
	CreatedAt  time.Time `json:"created_at" gorm:"column:created_at"`
}

type AdminDestination struct {
	AdminID       int64 `gorm:"primaryKey;column:admin_id"`
	DestinationID int64 `gorm:"primaryKey;column:destination_id"`
}

// Assignment is one destination routed for an item. Decision stays empty
// until an admin approves it; rejected destinations are removed outright.
type Assignment struct {
	DestinationID int64           `json:"destination_id"`
	Platform      Platform        `json:"platform"`
	Decision      models.Decision `json:"decision,omitempty"`
}

type Item struct {
	ID          int64                           `json:"id" gorm:"primaryKey;column:id"`
	SourceID    int64                           `json:"source_id" gorm:"column:source_id;index;not null"`
	OriginalURL string                          `json:"original_url" gorm:"column:original_url;size:2048;not null;uniqueIndex"`
	Status      ItemStatus                      `json:"status" gorm:"column:status;size:32;not null"`
	Assignments datatypes.JSONSlice[Assignment] `json:"assignments" gorm:"column:assigned_destinations"`
	Rejected    datatypes.JSONSlice[int64]      `json:"rejected,omitempty" gorm:"column:rejected_destinations"`
	Title       string                          `json:"title" gorm:"column:processed_title;type:text"`
	Body        string                          `json:"body" gorm:"column:processed_content;type:text"`
	CreatedAt   time.Time                       `json:"created_at" gorm:"column:created_at"`
	UpdatedAt   time.Time                       `json:"updated_at" gorm:"column:updated_at"`
}

type PublicationLog struct {
	ID            int64             `json:"id" gorm:"primaryKey;column:id"`
	ItemID        int64             `json:"item_id" gorm:"column:item_id;not null;uniqueIndex:ux_publication_pair,priority:1"`
	DestinationID int64             `json:"destination_id" gorm:"column:destination_id;not null;uniqueIndex:ux_publication_pair,priority:2"`
	Platform      Platform          `json:"platform" gorm:"column:platform;size:32;not null"`
	Status        PublicationStatus `json:"status" gorm:"column:status;size:16;not null"`
	Message       string            `json:"message" gorm:"column:log_message;type:text"`
	RetryCount    int               `json:"retry_count" gorm:"column:retry_count;not null;default:0"`
	LastError     string            `json:"last_error,omitempty" gorm:"column:last_error_reason;type:text"`
	DeliveryID    string            `json:"delivery_id,omitempty" gorm:"column:delivery_id;size:255"`
	PublishedAt   *time.Time        `json:"published_at,omitempty" gorm:"column:published_at"`
	CreatedAt     time.Time         `json:"created_at" gorm:"column:created_at"`
	UpdatedAt     time.Time         `json:"updated_at" gorm:"column:updated_at"`
}

func (Source) TableName() string            { return "sources" }
func (Destination) TableName() string       { return "destinations" }
func (SourceDestination) TableName() string { return "source_destination_map" }
func (Admin) TableName() string             { return "admins" }
func (AdminDestination) TableName() string  { return "admin_destination_map" }
func (Item) TableName() string              { return "items" }
func (PublicationLog) TableName() string    { return "publication_logs" }

// DestinationIDs lists the currently assigned destinations in order.
func (i *Item) DestinationIDs() []int64 {
	ids := make([]int64, 0, len(i.Assignments))
	for _, a := range i.Assignments {
		ids = append(ids, a.DestinationID)
	}
	return ids
}
