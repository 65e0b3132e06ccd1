package database

import (
	"sync"

	"gorm.io/gorm"
)

var (
	mu sync.RWMutex
	DB *gorm.DB
)

// GetDB returns the shared connection, nil before SetupDatabase.
func GetDB() *gorm.DB {
	mu.RLock()
	defer mu.RUnlock()
	return DB
}

// SetDB replaces the shared connection. Tests use it to inject a handle.
func SetDB(db *gorm.DB) {
	mu.Lock()
	defer mu.Unlock()
	DB = db
}
