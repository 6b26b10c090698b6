package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Event is a named occurrence with free-form event and profile attributes.
// EventName is unique among rows whose tombstone is unset.
type Event struct {
	ID                string            `gorm:"primaryKey;size:36" json:"id"`
	EventName         string            `gorm:"size:255;not null;uniqueIndex:idx_events_live_name,where:deleted_at IS NULL" json:"eventName"`
	EventAttributes   datatypes.JSONMap `json:"eventAttributes"`
	ProfileAttributes datatypes.JSONMap `json:"profileAttributes"`
	CreatedAt         time.Time         `gorm:"not null;index" json:"createdAt"`
	UpdatedAt         time.Time         `gorm:"not null" json:"updatedAt"`
	DeletedAt         gorm.DeletedAt    `gorm:"index" json:"-"`
}

func (Event) TableName() string { return "events" }

// EventPatch carries the fields of a partial update; nil means "leave as is".
type EventPatch struct {
	EventName         *string
	EventAttributes   map[string]interface{}
	ProfileAttributes map[string]interface{}
}

// MetricCount is one row of a per-day grouped count.
type MetricCount struct {
	MetricName string `json:"metricName"`
	Count      int64  `json:"count"`
}

// DayLayout formats the UTC day an event was created on.
const DayLayout = "2006-01-02"

// Profile attribute keys the service looks at.
const (
	ProfileEmailKey      = "email"
	ProfileExternalIDKey = "external_id"
)

// Email returns the profile email, if any.
func (e Event) Email() string {
	if e.ProfileAttributes == nil {
		return ""
	}
	s, _ := e.ProfileAttributes[ProfileEmailKey].(string)
	return s
}
