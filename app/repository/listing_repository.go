package repository

import (
	"github.com/bicimarket/bicimarket/app/models"
	"gorm.io/gorm"
)

type listingRepository struct {
	db *gorm.DB
}

// NewListingRepository creates a new listing repository instance
func NewListingRepository(db *gorm.DB) ListingRepository {
	return &listingRepository{db: db}
}

// GetByRef retrieves a listing by its public reference
func (r *listingRepository) GetByRef(ref string) (*models.Listing, error) {
	var listing models.Listing
	if err := r.db.Where("ref = ?", ref).First(&listing).Error; err != nil {
		return nil, err
	}
	return &listing, nil
}
