package repository

import (
	"sync"

	"gorm.io/gorm"
)

// Factory builds the read-side repositories lazily from one gorm handle.
type Factory struct {
	db    *gorm.DB
	repos *Repositories
	once  sync.Once
}

func NewFactory(db *gorm.DB) *Factory {
	return &Factory{db: db}
}

// Repositories returns the shared repository set, created on first use.
func (f *Factory) Repositories() *Repositories {
	f.once.Do(func() {
		f.repos = NewRepositories(f.db)
	})
	return f.repos
}
