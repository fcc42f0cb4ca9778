package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SlotRecord struct {
	Key       string    `gorm:"primaryKey;column:slot_key;type:varchar(191)"`
	Value     string    `gorm:"column:value;type:longtext;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (SlotRecord) TableName() string {
	return "storefront_slots"
}

// OpenMySQL opens a gorm connection with the otelgorm plugin installed.
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		return nil, fmt.Errorf("failed to initialize otelgorm plugin: %w", err)
	}
	return db, nil
}

type MySQLSlot struct {
	db *gorm.DB
}

var _ Slot = (*MySQLSlot)(nil)

// NewMySQLSlot migrates the slot table and returns a slot backed by it.
func NewMySQLSlot(db *gorm.DB) (*MySQLSlot, error) {
	if err := db.AutoMigrate(&SlotRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate slot table: %w", err)
	}
	return &MySQLSlot{db: db}, nil
}

func (m *MySQLSlot) Get(ctx context.Context, key string) (string, bool, error) {
	var rec SlotRecord
	err := m.db.WithContext(ctx).Where("slot_key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get slot %q: %w", key, err)
	}
	return rec.Value, true, nil
}

func (m *MySQLSlot) Set(ctx context.Context, key, value string) error {
	rec := SlotRecord{Key: key, Value: value}
	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slot_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to set slot %q: %w", key, err)
	}
	return nil
}

func (m *MySQLSlot) Delete(ctx context.Context, key string) error {
	if err := m.db.WithContext(ctx).Where("slot_key = ?", key).Delete(&SlotRecord{}).Error; err != nil {
		return fmt.Errorf("failed to delete slot %q: %w", key, err)
	}
	return nil
}
