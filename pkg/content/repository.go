package content

import (
	"context"
	"errors"
	"time"

	"github.com/robopost/platform/pkg/common/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateURL = errors.New("item with this url already exists")
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&Source{},
		&Destination{},
		&SourceDestination{},
		&Admin{},
		&AdminDestination{},
		&Item{},
		&PublicationLog{},
	)
}

func (r *Repository) FindItemByURL(ctx context.Context, url string) (*Item, error) {
	var item Item
	result := r.db.WithContext(ctx).First(&item, "original_url = ?", url)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &item, result.Error
}

// CreateItem inserts item. A concurrent insert of the same URL loses on the
// unique index and gets ErrDuplicateURL.
func (r *Repository) CreateItem(ctx context.Context, item *Item) error {
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	err := r.db.WithContext(ctx).Create(item).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateURL
	}
	return err
}

func (r *Repository) GetItem(ctx context.Context, id int64) (*Item, error) {
	var item Item
	result := r.db.WithContext(ctx).First(&item, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &item, result.Error
}

func (r *Repository) GetDestination(ctx context.Context, id int64) (*Destination, error) {
	var dest Destination
	result := r.db.WithContext(ctx).First(&dest, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &dest, result.Error
}

// ResolveDestinations returns the enabled destinations linked to sourceID.
func (r *Repository) ResolveDestinations(ctx context.Context, sourceID int64) ([]Assignment, error) {
	var rows []struct {
		ID       int64
		Platform Platform
	}
	err := r.db.WithContext(ctx).
		Table("destinations").
		Select("destinations.id, destinations.platform").
		Joins("JOIN source_destination_map m ON m.destination_id = destinations.id").
		Where("m.source_id = ? AND m.enabled = ?", sourceID, true).
		Order("destinations.id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	assignments := make([]Assignment, 0, len(rows))
	for _, row := range rows {
		assignments = append(assignments, Assignment{DestinationID: row.ID, Platform: row.Platform})
	}
	return assignments, nil
}

func (r *Repository) ListSources(ctx context.Context) ([]Source, error) {
	var sources []Source
	result := r.db.WithContext(ctx).Order("id").Find(&sources)
	return sources, result.Error
}

// IsAdmin reports whether the admin with externalID manages destinationID.
func (r *Repository) IsAdmin(ctx context.Context, externalID string, destinationID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Table("admin_destination_map m").
		Joins("JOIN admins a ON a.id = m.admin_id").
		Where("a.external_id = ? AND m.destination_id = ?", externalID, destinationID).
		Count(&count).Error
	return count > 0, err
}

func (r *Repository) AdminsForDestination(ctx context.Context, destinationID int64) ([]Admin, error) {
	var admins []Admin
	err := r.db.WithContext(ctx).
		Joins("JOIN admin_destination_map m ON m.admin_id = admins.id").
		Where("m.destination_id = ?", destinationID).
		Order("admins.id").
		Find(&admins).Error
	return admins, err
}

// RegisterAdmin creates the admin on first contact and reports whether it was new.
func (r *Repository) RegisterAdmin(ctx context.Context, externalID, name string) (*Admin, bool, error) {
	admin := Admin{ExternalID: externalID, Name: name, CreatedAt: time.Now().UTC()}
	result := r.db.WithContext(ctx).
		Where(Admin{ExternalID: externalID}).
		Attrs(Admin{Name: name, CreatedAt: admin.CreatedAt}).
		FirstOrCreate(&admin)
	if result.Error != nil {
		return nil, false, result.Error
	}
	return &admin, result.RowsAffected > 0, nil
}

// Decide applies an admin decision under a row lock so concurrent decisions
// on the same item serialise.
func (r *Repository) Decide(ctx context.Context, itemID, destinationID int64, decision models.Decision) (*Item, error) {
	var item Item
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&item, "id = ?", itemID)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if result.Error != nil {
			return result.Error
		}

		if err := ApplyDecision(&item, destinationID, decision); err != nil {
			return err
		}

		return tx.Model(&Item{}).Where("id = ?", item.ID).Updates(map[string]interface{}{
			"status":                item.Status,
			"assigned_destinations": item.Assignments,
			"rejected_destinations": item.Rejected,
			"updated_at":            time.Now().UTC(),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *Repository) HasSuccess(ctx context.Context, itemID, destinationID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&PublicationLog{}).
		Where("item_id = ? AND destination_id = ? AND status = ?", itemID, destinationID, PublicationSuccess).
		Count(&count).Error
	return count > 0, err
}

// UpsertLog writes the outcome of one delivery attempt. There is a single row
// per (item, destination): failures bump retry_count, and once SUCCESS is
// stored the row is never rewritten.
func (r *Repository) UpsertLog(ctx context.Context, entry *PublicationLog) error {
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now

	increment := 0
	if entry.Status == PublicationFailed {
		increment = 1
		entry.RetryCount = 1
	} else if entry.PublishedAt == nil {
		entry.PublishedAt = &now
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "item_id"}, {Name: "destination_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"platform":          entry.Platform,
			"status":            entry.Status,
			"log_message":       entry.Message,
			"last_error_reason": entry.LastError,
			"delivery_id":       entry.DeliveryID,
			"published_at":      entry.PublishedAt,
			"retry_count":       gorm.Expr("publication_logs.retry_count + ?", increment),
			"updated_at":        now,
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Neq{Column: clause.Column{Table: "publication_logs", Name: "status"}, Value: PublicationSuccess},
		}},
	}).Create(entry).Error
}

func (r *Repository) ListLogs(ctx context.Context, itemID int64) ([]PublicationLog, error) {
	var logs []PublicationLog
	result := r.db.WithContext(ctx).Where("item_id = ?", itemID).Order("destination_id").Find(&logs)
	return logs, result.Error
}

// MarkPublishedIfComplete flips a fully approved item to PUBLISHED once every
// approved destination has a SUCCESS log.
func (r *Repository) MarkPublishedIfComplete(ctx context.Context, itemID int64) (bool, error) {
	published := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item Item
		result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&item, "id = ?", itemID)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if result.Error != nil {
			return result.Error
		}
		if item.Status != StatusApproved {
			return nil
		}

		approved := item.ApprovedDestinations()
		var count int64
		err := tx.Model(&PublicationLog{}).
			Where("item_id = ? AND destination_id IN ? AND status = ?", itemID, approved, PublicationSuccess).
			Count(&count).Error
		if err != nil {
			return err
		}
		if int(count) < len(approved) {
			return nil
		}

		published = true
		return tx.Model(&Item{}).Where("id = ?", itemID).Updates(map[string]interface{}{
			"status":     StatusPublished,
			"updated_at": time.Now().UTC(),
		}).Error
	})
	return published, err
}
