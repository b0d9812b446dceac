package inventory

import (
	"context"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// RelationalSink mirrors a computed inventory change into a relational
// store, so operators can run ad-hoc SQL joins across clouds, item kinds,
// and change history that the object-store-backed resources don't support
// natively.
type RelationalSink interface {
	RecordChange(ctx context.Context, cloud, fromGeneration, toGeneration, itemID, changeType string) error
}

// inventoryChangeRow is the GORM model PostgresSink mirrors changes into.
type inventoryChangeRow struct {
	gorm.Model
	Cloud          string `gorm:"index"`
	FromGeneration string
	ToGeneration   string `gorm:"index"`
	ItemID         string `gorm:"index"`
	ChangeType     string
}

// PostgresSink is a RelationalSink backed by PostgreSQL via GORM.
type PostgresSink struct {
	db *gorm.DB
}

// NewPostgresSink opens dsn, migrates the inventory_change_rows table, and
// returns a ready sink.
func NewPostgresSink(dsn string) (*PostgresSink, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&inventoryChangeRow{}); err != nil {
		return nil, err
	}
	return &PostgresSink{db: db}, nil
}

// RecordChange inserts one change row.
func (s *PostgresSink) RecordChange(ctx context.Context, cloud, fromGeneration, toGeneration, itemID, changeType string) error {
	row := inventoryChangeRow{
		Cloud:          cloud,
		FromGeneration: fromGeneration,
		ToGeneration:   toGeneration,
		ItemID:         itemID,
		ChangeType:     changeType,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// ChangesForItem returns every recorded change for itemID across
// generations, newest first: the kind of relational query the object
// store's partition scans can't express directly.
func (s *PostgresSink) ChangesForItem(ctx context.Context, itemID string) ([]inventoryChangeRow, error) {
	var rows []inventoryChangeRow
	err := s.db.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("created_at desc").
		Find(&rows).Error
	return rows, err
}
