package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const DefaultDriverLabel = "unassigned"

type Vehicle struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	DriverLabel string    `gorm:"type:varchar(255);not null;default:'unassigned'" json:"driverLabel"`
	Active      bool      `gorm:"not null;index" json:"active"`
	CreatedAt   time.Time `gorm:"not null" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"not null" json:"updatedAt"`
}

type LocationSample struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	VehicleID  string    `gorm:"type:varchar(64);not null;index:idx_samples_vehicle_observed,priority:1" json:"vehicleId"`
	Vehicle    *Vehicle  `gorm:"foreignKey:VehicleID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
	Latitude   float64   `gorm:"not null" json:"latitude"`
	Longitude  float64   `gorm:"not null" json:"longitude"`
	Accuracy   float64   `gorm:"not null;default:0" json:"accuracy"`
	ObservedAt time.Time `gorm:"not null;index;index:idx_samples_vehicle_observed,priority:2" json:"observedAt"`
	RecordedAt time.Time `gorm:"not null;index" json:"recordedAt"`
}

func (Vehicle) TableName() string {
	return "vehicles"
}

func (LocationSample) TableName() string {
	return "location_samples"
}

func (s *LocationSample) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
