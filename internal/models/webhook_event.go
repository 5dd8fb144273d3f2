// internal/models/webhook_event.go
package models

import (
	"time"
)

type WebhookEvent struct {
	BaseModel
	Provider        string     `json:"provider" gorm:"size:30;not null;uniqueIndex:idx_webhook_events_provider_event"`
	EventID         string     `json:"event_id" gorm:"size:255;not null;uniqueIndex:idx_webhook_events_provider_event"`
	EventType       string     `json:"event_type" gorm:"size:100;not null;index"`
	ChargeRef       string     `json:"charge_ref" gorm:"size:255;index"`
	Payload         JSONB      `json:"payload" gorm:"type:jsonb"`
	ProcessedAt     *time.Time `json:"processed_at"`
	ProcessingError string     `json:"processing_error,omitempty" gorm:"type:text"`
}
