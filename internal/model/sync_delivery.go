package model

import (
	"time"

	"gorm.io/datatypes"
)

// Delivery statuses.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryDead      = "dead"
)

// SyncDelivery is a parked outbound push waiting to be replayed.
// EventID is not a foreign key: retention may purge the event first.
type SyncDelivery struct {
	ID          uint64         `gorm:"primaryKey"`
	EventID     string         `gorm:"size:36;not null;index"`
	Payload     datatypes.JSON `gorm:"not null"`
	Status      string         `gorm:"size:16;not null;default:pending;index:idx_sync_delivery_due,priority:1"`
	Attempts    int            `gorm:"not null;default:0"`
	LastError   string         `gorm:"size:1024"`
	NextRetryAt time.Time      `gorm:"not null;index:idx_sync_delivery_due,priority:2"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime"`
	DeliveredAt *time.Time
}

func (SyncDelivery) TableName() string { return "sync_delivery" }
