package billing

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bicimarket/bicimarket/app/models"
	"github.com/bicimarket/bicimarket/internal/pkg/entitlements"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	FindPaymentByProviderRef(ctx context.Context, provider, providerRef string) (*models.PaymentRecord, error)
	FindPaymentByExternalReference(ctx context.Context, provider, externalReference string) (*models.PaymentRecord, error)
	FindIntentByExternalReference(ctx context.Context, provider, externalReference string) (*models.PaymentRecord, error)
	CreatePayment(ctx context.Context, record *models.PaymentRecord) error
	UpdatePayment(ctx context.Context, id uint, updates map[string]interface{}) error
	MarkAppliedOnce(ctx context.Context, provider, providerRef string, at time.Time) (bool, error)
	ListStalePending(ctx context.Context, provider string, updatedBefore time.Time, limit int) ([]models.PaymentRecord, error)

	GetListingByRef(ctx context.Context, ref string) (*models.Listing, error)
	ApplyListingGrant(ctx context.Context, listingID uint, grant entitlements.Grant) error
	GetUser(ctx context.Context, id uint) (*models.User, error)
	GetUserByRef(ctx context.Context, ref string) (*models.User, error)

	CreateNotificationIfNotExists(ctx context.Context, n *models.PaymentNotification) (bool, *models.PaymentNotification, error)
	MarkNotificationProcessed(ctx context.Context, id uint, outcome, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindPaymentByProviderRef(ctx context.Context, provider, providerRef string) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_ref = ?", provider, providerRef).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *gormRepository) FindPaymentByExternalReference(ctx context.Context, provider, externalReference string) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("provider = ? AND external_reference = ?", provider, externalReference).
		Order("id ASC").
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindIntentByExternalReference only matches rows the gateway has not keyed yet.
func (r *gormRepository) FindIntentByExternalReference(ctx context.Context, provider, externalReference string) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("provider = ? AND external_reference = ? AND provider_ref IS NULL", provider, externalReference).
		Order("id ASC").
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *gormRepository) CreatePayment(ctx context.Context, record *models.PaymentRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *gormRepository) UpdatePayment(ctx context.Context, id uint, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	tx := r.db.WithContext(ctx).Model(&models.PaymentRecord{}).Where("id = ?", id).Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	return nil
}

// MarkAppliedOnce flips applied from false to true in a single conditional
// statement. Only the caller whose update touched the row gets true.
func (r *gormRepository) MarkAppliedOnce(ctx context.Context, provider, providerRef string, at time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).
		Model(&models.PaymentRecord{}).
		Where("provider = ? AND provider_ref = ? AND applied = ?", provider, providerRef, false).
		Updates(map[string]interface{}{
			"applied":    true,
			"applied_at": at,
			"status":     models.PaymentStatusSucceeded,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) ListStalePending(ctx context.Context, provider string, updatedBefore time.Time, limit int) ([]models.PaymentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []models.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("provider = ? AND status = ? AND applied = ? AND provider_ref IS NOT NULL AND updated_at < ?",
			provider, models.PaymentStatusPending, false, updatedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

func (r *gormRepository) GetListingByRef(ctx context.Context, ref string) (*models.Listing, error) {
	var listing models.Listing
	if err := r.db.WithContext(ctx).Where("ref = ?", ref).First(&listing).Error; err != nil {
		return nil, err
	}
	return &listing, nil
}

// ApplyListingGrant merges grant into the listing in one UPDATE. Every column
// is computed from the row's current values, so concurrent grants for the
// same listing cannot lower a cap or switch messaging back off. Only the
// entitlement columns are written; title and photos belong to other flows.
func (r *gormRepository) ApplyListingGrant(ctx context.Context, listingID uint, grant entitlements.Grant) error {
	updates := map[string]interface{}{
		"granted_photo_cap": gorm.Expr("GREATEST(granted_photo_cap, ?)", grant.PhotoCap),
		"visible_photo_cap": gorm.Expr("LEAST(image_count, GREATEST(granted_photo_cap, ?))", grant.PhotoCap),
		"messaging_enabled": gorm.Expr("messaging_enabled OR (? AND NOT messaging_disabled_by_seller)", grant.Messaging),
		"plan_code":         string(grant.Plan),
		"plan_expires_at":   grant.PlanExpiresAt,
	}
	if grant.BoostExpiresAt != nil {
		updates["boost_expires_at"] = gorm.Expr(
			"CASE WHEN boost_expires_at IS NULL OR boost_expires_at < ? THEN ? ELSE boost_expires_at END",
			*grant.BoostExpiresAt, *grant.BoostExpiresAt)
	}

	tx := r.db.WithContext(ctx).Model(&models.Listing{}).Where("id = ?", listingID).Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		// MySQL reports 0 rows for an update that changed nothing.
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.Listing{}).Where("id = ?", listingID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return gorm.ErrRecordNotFound
		}
	}
	return nil
}

func (r *gormRepository) GetUser(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) GetUserByRef(ctx context.Context, ref string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("ref = ?", ref).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) CreateNotificationIfNotExists(ctx context.Context, n *models.PaymentNotification) (bool, *models.PaymentNotification, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "delivery_id"},
		},
		DoNothing: true,
	}).Create(n)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.PaymentNotification
	if err := r.db.WithContext(ctx).Where("provider = ? AND delivery_id = ?", n.Provider, n.DeliveryID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkNotificationProcessed(ctx context.Context, id uint, outcome, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"outcome":          outcome,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.PaymentNotification{}).Where("id = ?", id).Updates(updates).Error
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
