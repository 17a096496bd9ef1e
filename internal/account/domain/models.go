package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Account is the billing principal credits belong to. Tier drives the
// monthly included-credit allowance.
type Account struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Name      string       `gorm:"type:text;not null"`
	Tier      string       `gorm:"type:text;not null;index"`
	IsActive  bool         `gorm:"not null;default:true"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }
