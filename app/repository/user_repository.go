package repository

import (
	"github.com/bicimarket/bicimarket/app/models"
	"gorm.io/gorm"
)

// userRepository implements the UserRepository interface
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository instance
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// GetByRef retrieves a user by their public reference
func (r *userRepository) GetByRef(ref string) (*models.User, error) {
	var user models.User
	err := r.db.Where("ref = ?", ref).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}
