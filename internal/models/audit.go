// internal/models/audit.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type AuditLog struct {
	BaseModel
	PartyID      *uuid.UUID `json:"party_id" gorm:"type:uuid;index"`
	Action       string     `json:"action" gorm:"size:100;not null;index"`
	ResourceType string     `json:"resource_type" gorm:"size:50;not null;index"`
	ResourceID   *uuid.UUID `json:"resource_id" gorm:"type:uuid;index"`
	NewValues    JSONB      `json:"new_values" gorm:"type:jsonb"`
	StatusCode   int        `json:"status_code"`
	IPAddress    string     `json:"ip_address" gorm:"size:45"`
	UserAgent    string     `json:"user_agent" gorm:"type:text"`
}

// Notification is the in-app copy of everything sent through the notifier.
type Notification struct {
	BaseModel
	RecipientID uuid.UUID  `json:"recipient_id" gorm:"type:uuid;not null;index"`
	Type        string     `json:"type" gorm:"type:varchar(50);not null;index"`
	Title       string     `json:"title" gorm:"size:255;not null"`
	Message     string     `json:"message" gorm:"type:text;not null"`
	Data        JSONB      `json:"data" gorm:"type:jsonb"`
	Status      string     `json:"status" gorm:"type:varchar(20);default:'unread';index"`
	EmailedAt   *time.Time `json:"emailed_at"`
	ReadAt      *time.Time `json:"read_at"`
}
