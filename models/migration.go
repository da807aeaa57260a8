package models

import (
	"gorm.io/gorm"
)

// SyncedTables lists the local tables rebuilt by a snapshot restore, in wipe order.
var SyncedTables = []interface{}{
	&ExpenseAdjustment{}, &Invoice{}, &Expense{}, &Product{}, &Customer{},
}

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Customer{}, &Product{}, &Invoice{}, &Expense{}, &ExpenseAdjustment{},
		&KVEntry{},
	)
}
