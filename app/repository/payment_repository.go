package repository

import (
	"github.com/bicimarket/bicimarket/app/models"
	"gorm.io/gorm"
)

type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a read-only view of the payment ledger.
// Writes go through the billing service.
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) GetByProviderRef(provider, ref string) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := r.db.Where("provider = ? AND provider_ref = ?", provider, ref).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *paymentRepository) ListByListingRef(listingRef string, limit int) ([]models.PaymentRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var recs []models.PaymentRecord
	err := r.db.Omit("raw_payload").
		Where("listing_ref = ?", listingRef).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

// CountByStatus returns the number of ledger rows per status for a provider.
func (r *paymentRepository) CountByStatus(provider string) (map[string]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := r.db.Model(&models.PaymentRecord{}).
		Select("status, COUNT(*) AS total").
		Where("provider = ?", provider).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Total
	}
	return out, nil
}
