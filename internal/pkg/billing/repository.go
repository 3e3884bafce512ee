package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/droplink/droplink-api/app/models"
)

// LedgerClaim describes one atomic ledger transition. The row moves to To
// when it is in one of From, or sits in one of Stale with a claim older than
// StaleBefore. Seed is inserted when no row exists yet.
type LedgerClaim struct {
	PaymentID      string
	From           []PaymentState
	Stale          []PaymentState
	StaleBefore    time.Time
	To             PaymentState
	Token          string
	Now            time.Time
	NetworkPending bool
	Seed           *models.PaymentLedger
	Set            map[string]interface{}
}

// LedgerUpdate writes to a ledger row held by ClaimToken.
type LedgerUpdate struct {
	PaymentID  string
	ClaimToken string
	Set        map[string]interface{}
}

// Repository provides DB operations used by the payment coordinator.
type Repository interface {
	GetLedger(ctx context.Context, paymentID string) (*models.PaymentLedger, error)
	ClaimLedger(ctx context.Context, claim LedgerClaim) (bool, *models.PaymentLedger, error)
	UpdateLedger(ctx context.Context, update LedgerUpdate) (bool, error)
	ListReconcilable(ctx context.Context, staleBefore time.Time, limit int) ([]models.PaymentLedger, error)

	UpsertSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscriptionByProfile(ctx context.Context, profileID uuid.UUID) (*models.Subscription, error)
	ListLatestSubscriptions(ctx context.Context, profileID uuid.UUID, limit int) ([]models.Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, profileID uuid.UUID, status string, autoRenew bool) (*models.Subscription, error)

	CreateWebhookEventIfNotExists(ctx context.Context, event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a payment repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetLedger(ctx context.Context, paymentID string) (*models.PaymentLedger, error) {
	var row models.PaymentLedger
	if err := r.db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *gormRepository) ClaimLedger(ctx context.Context, c LedgerClaim) (bool, *models.PaymentLedger, error) {
	db := r.db.WithContext(ctx)
	now := c.Now

	if c.Seed != nil {
		seed := *c.Seed
		seed.PaymentID = c.PaymentID
		seed.State = string(c.To)
		seed.ClaimToken = c.Token
		seed.ClaimedAt = &now
		tx := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "payment_id"}},
			DoNothing: true,
		}).Create(&seed)
		if tx.Error != nil {
			return false, nil, tx.Error
		}
		if tx.RowsAffected > 0 {
			return true, &seed, nil
		}
	}

	updates := map[string]interface{}{
		"state":       string(c.To),
		"claim_token": c.Token,
		"claimed_at":  &now,
		"updated_at":  now,
	}
	for k, v := range c.Set {
		updates[k] = v
	}

	q := db.Model(&models.PaymentLedger{}).Where("payment_id = ?", c.PaymentID)
	if len(c.Stale) > 0 && !c.StaleBefore.IsZero() {
		q = q.Where("(state IN ? OR (state IN ? AND (claimed_at IS NULL OR claimed_at < ?)))",
			stateStrings(c.From), stateStrings(c.Stale), c.StaleBefore)
	} else {
		q = q.Where("state IN ?", stateStrings(c.From))
	}
	if c.NetworkPending {
		q = q.Where("network_completed_at IS NULL")
	}

	tx := q.Updates(updates)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	stored, err := r.GetLedger(ctx, c.PaymentID)
	if err != nil {
		return false, nil, err
	}
	return tx.RowsAffected > 0, stored, nil
}

func (r *gormRepository) UpdateLedger(ctx context.Context, u LedgerUpdate) (bool, error) {
	updates := map[string]interface{}{"updated_at": time.Now().UTC()}
	for k, v := range u.Set {
		updates[k] = v
	}
	tx := r.db.WithContext(ctx).Model(&models.PaymentLedger{}).
		Where("payment_id = ? AND claim_token = ?", u.PaymentID, u.ClaimToken).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) ListReconcilable(ctx context.Context, staleBefore time.Time, limit int) ([]models.PaymentLedger, error) {
	var rows []models.PaymentLedger
	err := r.db.WithContext(ctx).
		Where("state IN ? AND network_completed_at IS NOT NULL", stateStrings([]PaymentState{StatePendingCompletion, StateFailed})).
		Where("claimed_at IS NULL OR claimed_at < ?", staleBefore).
		Order("network_completed_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *gormRepository) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	db := r.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "profile_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"plan_type",
			"billing_period",
			"pi_amount",
			"start_date",
			"end_date",
			"status",
			"auto_renew",
			"payment_id",
			"transaction_id",
			"payment_method",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// On conflict the generated ID was discarded; reload the stored row into
	// a fresh value since First would filter on the stale primary key.
	var stored models.Subscription
	if err := db.Where("profile_id = ?", sub.ProfileID).First(&stored).Error; err != nil {
		return err
	}
	*sub = stored
	return nil
}

func (r *gormRepository) GetSubscriptionByProfile(ctx context.Context, profileID uuid.UUID) (*models.Subscription, error) {
	rows, err := r.ListLatestSubscriptions(ctx, profileID, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &rows[0], nil
}

func (r *gormRepository) ListLatestSubscriptions(ctx context.Context, profileID uuid.UUID, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("profile_id = ?", profileID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) UpdateSubscriptionStatus(ctx context.Context, profileID uuid.UUID, status string, autoRenew bool) (*models.Subscription, error) {
	tx := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("profile_id = ?", profileID).
		Updates(map[string]interface{}{"status": status, "auto_renew": autoRenew})
	if tx.Error != nil {
		return nil, tx.Error
	}
	if tx.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return r.GetSubscriptionByProfile(ctx, profileID)
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error) {
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.PaymentWebhookEvent
	if err := db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	updates := map[string]interface{}{
		"processing_error": processingError,
	}
	if processingError == "" {
		now := time.Now().UTC()
		updates["processed_at"] = &now
	}
	return r.db.WithContext(ctx).Model(&models.PaymentWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
