package database

import (
	"gorm.io/gorm"
)

// ensureByName inserts attrs unless a row with the same name already exists.
// Existing rows are left untouched so operators can change seeded values.
func ensureByName(db *gorm.DB, name string, attrs any, dest any) error {
	return db.Where("name = ?", name).Attrs(attrs).FirstOrCreate(dest).Error
}
