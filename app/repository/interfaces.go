package repository

import (
	"github.com/bicimarket/bicimarket/app/models"
	"gorm.io/gorm"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	GetByRef(ref string) (*models.User, error)
}

// ListingRepository defines read access to listings and their entitlements
type ListingRepository interface {
	GetByRef(ref string) (*models.Listing, error)
}

// PaymentRepository defines read access to the payment ledger
type PaymentRepository interface {
	GetByProviderRef(provider, ref string) (*models.PaymentRecord, error)
	ListByListingRef(listingRef string, limit int) ([]models.PaymentRecord, error)
	CountByStatus(provider string) (map[string]int64, error)
}

// Repositories holds all repository instances
type Repositories struct {
	User    UserRepository
	Listing ListingRepository
	Payment PaymentRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:    NewUserRepository(db),
		Listing: NewListingRepository(db),
		Payment: NewPaymentRepository(db),
	}
}
