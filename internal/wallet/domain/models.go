// Package domain contains persistence models for prepaid credit wallets.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Wallet caches the derived balance for one restaurant. The transaction log
// is the source of truth; Balance must always equal the sum of deltas.
type Wallet struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	RestaurantID snowflake.ID `gorm:"not null;uniqueIndex"`
	Balance      int64        `gorm:"not null;default:0"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Wallet) TableName() string { return "wallets" }

// WalletTransaction is an append-only credit movement. Never mutated or
// deleted.
type WalletTransaction struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	RestaurantID   snowflake.ID `gorm:"not null;index;uniqueIndex:ux_wallet_tx_idem,priority:1"`
	Delta          int64        `gorm:"not null"`
	Reason         string       `gorm:"type:text;not null"`
	IdempotencyKey string       `gorm:"type:text;not null;uniqueIndex:ux_wallet_tx_idem,priority:2"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WalletTransaction) TableName() string { return "wallet_transactions" }
