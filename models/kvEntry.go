package models

import "time"

// KVEntry backs the local durable key-value store used for sync bookkeeping.
type KVEntry struct {
	Key       string    `gorm:"primary_key;size:191" json:"key"`
	Value     string    `gorm:"type:longtext" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (KVEntry) TableName() string {
	return "kv_entries"
}
