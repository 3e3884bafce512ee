package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/droplink/droplink-api/app/models"
	"github.com/droplink/droplink-api/app/repository"
	"github.com/droplink/droplink-api/internal/pkg/entitlements"
	"github.com/droplink/droplink-api/internal/pkg/logger"
	"github.com/droplink/droplink-api/internal/pkg/metrics"
	"github.com/droplink/droplink-api/internal/pkg/validation"
)

const defaultClaimLease = 2 * time.Minute

var (
	errClaimLost             = errors.New("ledger claim was taken over by another request")
	errSubscriptionUnapplied = errors.New("subscription payment has no known profile or plan")
	errNotOwner              = fmt.Errorf("%w: payment does not belong to the authenticated user", ErrValidation)
)

// ReconcileQueue schedules a payment for background reconciliation.
type ReconcileQueue interface {
	EnqueueReconcile(ctx context.Context, paymentID string) error
}

type Option func(*Coordinator)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithReconcileQueue enables background reconciliation of post-success faults.
func WithReconcileQueue(q ReconcileQueue) Option {
	return func(c *Coordinator) {
		c.queue = q
	}
}

// WithClaimLease sets how long a ledger claim blocks other requests.
func WithClaimLease(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.lease = d
		}
	}
}

// Coordinator drives Pi payments through approval and completion exactly
// once and applies their effect to the profile subscription.
type Coordinator struct {
	repo     Repository
	network  PaymentNetwork
	profiles entitlements.ProfileLookup
	queue    ReconcileQueue
	now      func() time.Time
	lease    time.Duration
	log      *logrus.Entry
}

// NewCoordinator creates a coordinator from injected collaborators.
func NewCoordinator(repo Repository, network PaymentNetwork, profiles entitlements.ProfileLookup, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:     repo,
		network:  network,
		profiles: profiles,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		lease:    defaultClaimLease,
		log:      logrus.WithField("component", "billing"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewCoordinatorFromDB creates a coordinator from a GORM DB handle.
func NewCoordinatorFromDB(db *gorm.DB, network PaymentNetwork, opts ...Option) *Coordinator {
	return NewCoordinator(NewRepository(db), network, repository.NewProfileRepository(db), opts...)
}

// Repository exposes the storage used by the coordinator.
func (c *Coordinator) Repository() Repository {
	return c.repo
}

// Prepare returns the amount, memo and metadata the client passes to
// createPayment for a plan purchase.
func (c *Coordinator) Prepare(ctx context.Context, req PrepareRequest) (*PaymentIntent, error) {
	req.Identity = strings.TrimSpace(req.Identity)
	req.Plan = strings.ToLower(strings.TrimSpace(req.Plan))
	req.BillingPeriod = strings.ToLower(strings.TrimSpace(req.BillingPeriod))
	if err := validation.ValidateStruct(req); err != nil {
		return nil, validationError("%s", err)
	}

	plan := entitlements.NormalizePlan(req.Plan)
	period := NormalizePeriod(req.BillingPeriod)
	metadata := map[string]interface{}{
		MetaType:     paymentTypeSubscription,
		MetaPlan:     string(plan),
		MetaPeriod:   period,
		MetaUsername: req.Identity,
		MetaVersion:  entitlements.PlanTableVersion,
	}

	profileID, err := c.profiles.FindProfileIDByUsername(ctx, req.Identity)
	switch {
	case err == nil:
		metadata[MetaProfileID] = profileID.String()
	case errors.Is(err, gorm.ErrRecordNotFound):
		// Not onboarded yet; completion resolves the profile by username.
	default:
		return nil, fmt.Errorf("lookup profile: %w", err)
	}

	return &PaymentIntent{
		Amount:   entitlements.Price(plan, period),
		Memo:     fmt.Sprintf("DropLink %s plan (%s)", entitlements.PlanName(plan), period),
		Metadata: metadata,
	}, nil
}

// Approve performs the server side approval of a payment.
func (c *Coordinator) Approve(ctx context.Context, req ApproveRequest) (*ApproveResult, error) {
	req.PaymentID = strings.TrimSpace(req.PaymentID)
	req.Identity = strings.TrimSpace(req.Identity)
	if err := validation.ValidateStruct(req); err != nil {
		return nil, c.phaseError(PhaseApproval, req.PaymentID, false, validationError("%s", err))
	}
	id := req.PaymentID

	row, err := c.repo.GetLedger(ctx, id)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, c.phaseError(PhaseApproval, id, true, err)
	}
	if row != nil {
		if res, err := c.approvalShortCircuit(row); res != nil || err != nil {
			return res, err
		}
	}

	payment, err := c.network.GetPayment(ctx, id)
	if err != nil {
		if recErr := c.recordFailure(ctx, id, err.Error()); recErr != nil {
			c.log.WithError(recErr).WithField("payment_id", id).Warn("failed to record approval failure")
		}
		return nil, c.phaseError(PhaseApproval, id, IsRetryable(err), err)
	}
	if payment.IsCancelled() {
		if _, err := c.Cancel(ctx, CancelRequest{PaymentID: id, Reason: "cancelled on pi network"}); err != nil {
			c.log.WithError(err).WithField("payment_id", id).Warn("failed to record network cancellation")
		}
		return nil, c.phaseError(PhaseCancelled, id, false, ErrCancelled)
	}
	if !payment.Amount.IsPositive() {
		return nil, c.phaseError(PhaseApproval, id, false, validationError("payment amount must be positive"))
	}
	if strings.TrimSpace(payment.Memo) == "" {
		return nil, c.phaseError(PhaseApproval, id, false, validationError("payment memo is required"))
	}
	if err := validatePurchaseMetadata(payment.Metadata); err != nil {
		return nil, c.phaseError(PhaseApproval, id, false, err)
	}
	if err := checkPrice(payment.Metadata, payment.Amount); err != nil {
		return nil, c.phaseError(PhaseApproval, id, false, err)
	}

	profileID, err := c.lookupProfile(ctx, payment.Metadata, req.Identity)
	if err != nil {
		return nil, c.phaseError(PhaseApproval, id, !errors.Is(err, ErrValidation), err)
	}

	now := c.now()
	token := uuid.NewString()
	metadata := mergeMetadata(payment.Metadata, nil)
	claimed, row, err := c.repo.ClaimLedger(ctx, LedgerClaim{
		PaymentID:   id,
		From:        []PaymentState{StateCreated, StateFailed},
		Stale:       []PaymentState{StatePendingApproval},
		StaleBefore: now.Add(-c.lease),
		To:          StatePendingApproval,
		Token:       token,
		Now:         now,
		Seed: &models.PaymentLedger{
			ProfileID: profileID,
			Amount:    payment.Amount,
			Memo:      payment.Memo,
			Metadata:  metadata,
		},
		Set: map[string]interface{}{
			"profile_id": profileID,
			"amount":     payment.Amount,
			"memo":       payment.Memo,
			"metadata":   metadata,
			"last_error": "",
		},
	})
	if err != nil {
		return nil, c.phaseError(PhaseApproval, id, true, err)
	}
	if !claimed {
		if res, err := c.approvalShortCircuit(row); res != nil || err != nil {
			return res, err
		}
		return nil, c.phaseError(PhaseApproval, id, true, ErrPaymentInProgress)
	}

	if !payment.Status.DeveloperApproved {
		if _, err := c.network.ApprovePayment(ctx, id); err != nil {
			c.releaseAsFailed(ctx, id, token, err)
			return nil, c.phaseError(PhaseApproval, id, IsRetryable(err), err)
		}
	}

	if _, err := c.repo.UpdateLedger(ctx, LedgerUpdate{
		PaymentID:  id,
		ClaimToken: token,
		Set: map[string]interface{}{
			"state":      string(StateApproved),
			"claimed_at": nil,
		},
	}); err != nil {
		// Approved on the network; completion also accepts pending_approval rows.
		logger.LogError("payment_ledger_write", err, map[string]interface{}{"payment_id": id, "phase": string(PhaseApproval)})
	}

	metrics.PaymentPhases.WithLabelValues(string(PhaseApproval), "approved").Inc()
	return &ApproveResult{PaymentID: id, State: StateApproved}, nil
}

func (c *Coordinator) approvalShortCircuit(row *models.PaymentLedger) (*ApproveResult, error) {
	switch state := PaymentState(row.State); state {
	case StateApproved, StatePendingCompletion, StateCompleted:
		metrics.PaymentPhases.WithLabelValues(string(PhaseApproval), "short_circuit").Inc()
		return &ApproveResult{PaymentID: row.PaymentID, State: state, AlreadyApproved: true}, nil
	case StateCancelled:
		return nil, c.phaseError(PhaseCancelled, row.PaymentID, false, ErrCancelled)
	}
	return nil, nil
}

// Complete performs the server side completion of a payment and applies the
// purchased plan. A payment that was already completed returns its stored
// result without touching the network or the subscription. Local write
// faults after the network accepted the completion are not returned as
// errors: the result is flagged ReconcilePending and the payment is queued
// for reconciliation.
func (c *Coordinator) Complete(ctx context.Context, req CompleteRequest) (*CompletionResult, error) {
	req.PaymentID = strings.TrimSpace(req.PaymentID)
	req.TxID = strings.TrimSpace(req.TxID)
	req.Identity = strings.TrimSpace(req.Identity)
	req.Plan = strings.ToLower(strings.TrimSpace(req.Plan))
	req.BillingPeriod = strings.ToLower(strings.TrimSpace(req.BillingPeriod))
	if err := validation.ValidateStruct(req); err != nil {
		return nil, c.phaseError(PhaseCompletion, req.PaymentID, false, validationError("%s", err))
	}
	id := req.PaymentID

	row, err := c.repo.GetLedger(ctx, id)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, c.phaseError(PhaseCompletion, id, true, err)
	}
	if row != nil {
		if res, err := c.completionShortCircuit(row, req.TxID); res != nil || err != nil {
			return res, err
		}
	}

	requested := mergeMetadata(req.Metadata, nil)
	if req.Plan != "" {
		requested[MetaPlan] = req.Plan
	}
	if req.BillingPeriod != "" {
		requested[MetaPeriod] = req.BillingPeriod
	}
	if err := validatePurchaseMetadata(requested); err != nil {
		return nil, c.phaseError(PhaseCompletion, id, false, err)
	}

	// Checked against what approval recorded when there is a row.
	var owner *uuid.UUID
	known := map[string]interface{}(requested)
	amount := req.Amount
	if row != nil {
		owner = row.ProfileID
		known = mergeMetadata(requested, row.Metadata)
		if row.Amount.IsPositive() {
			amount = row.Amount
		}
	}
	if err := checkPrice(known, amount); err != nil {
		return nil, c.phaseError(PhaseCompletion, id, false, err)
	}
	if err := c.authorize(ctx, owner, known, req.Identity); err != nil {
		return nil, c.phaseError(PhaseCompletion, id, !errors.Is(err, ErrValidation), err)
	}

	now := c.now()
	token := uuid.NewString()
	claimed, row, err := c.repo.ClaimLedger(ctx, LedgerClaim{
		PaymentID:   id,
		From:        sourcesOf(StatePendingCompletion),
		Stale:       []PaymentState{StatePendingCompletion},
		StaleBefore: now.Add(-c.lease),
		To:          StatePendingCompletion,
		Token:       token,
		Now:         now,
		Seed: &models.PaymentLedger{
			Amount:   req.Amount,
			TxID:     req.TxID,
			Metadata: datatypes.JSONMap(requested),
		},
		Set: map[string]interface{}{
			"txid":       req.TxID,
			"last_error": "",
		},
	})
	if err != nil {
		return nil, c.phaseError(PhaseCompletion, id, true, err)
	}
	if !claimed {
		if res, err := c.completionShortCircuit(row, req.TxID); res != nil || err != nil {
			return res, err
		}
		return nil, c.phaseError(PhaseCompletion, id, true, ErrPaymentInProgress)
	}

	// Values recorded at approval come from the network and win over the request.
	row.Metadata = mergeMetadata(requested, row.Metadata)
	row.TxID = req.TxID
	if !row.Amount.IsPositive() && req.Amount.IsPositive() {
		row.Amount = req.Amount
	}

	if row.NetworkCompletedAt == nil {
		payment, err := c.completeOnNetwork(ctx, id, req.TxID)
		if err != nil {
			c.releaseAsFailed(ctx, id, token, err)
			return nil, c.phaseError(PhaseCompletion, id, IsRetryable(err), err)
		}
		absorbPayment(row, payment)
		networkAt := c.now()
		row.NetworkCompletedAt = &networkAt
		if err := c.recordNetworkCompletion(ctx, row, token); err != nil {
			return c.flagForReconcile(ctx, row, token, err), nil
		}
	}

	result, err := c.finalize(ctx, row, token, req.Identity)
	if err != nil {
		return c.flagForReconcile(ctx, row, token, err), nil
	}
	metrics.PaymentPhases.WithLabelValues(string(PhaseCompletion), "completed").Inc()
	logger.LogEvent("payment_completed", map[string]interface{}{
		"payment_id":           id,
		"txid":                 result.TxID,
		"plan":                 result.Plan,
		"subscription_applied": result.SubscriptionApplied,
	})
	return result, nil
}

func (c *Coordinator) completionShortCircuit(row *models.PaymentLedger, txid string) (*CompletionResult, error) {
	switch PaymentState(row.State) {
	case StateCompleted:
		if txid != "" && row.TxID != "" && row.TxID != txid {
			return nil, c.phaseError(PhaseCompletion, row.PaymentID, false, validationError("txid does not match the completed payment"))
		}
		res, err := decodeResult(row)
		if err != nil {
			return nil, c.phaseError(PhaseCompletion, row.PaymentID, true, err)
		}
		metrics.PaymentPhases.WithLabelValues(string(PhaseCompletion), "short_circuit").Inc()
		return res, nil
	case StateCancelled:
		return nil, c.phaseError(PhaseCancelled, row.PaymentID, false, ErrCancelled)
	}
	return nil, nil
}

// completeOnNetwork calls the completion endpoint. A rejected call is checked
// against the payment status since the network refuses a second completion.
func (c *Coordinator) completeOnNetwork(ctx context.Context, id, txid string) (*PiPayment, error) {
	payment, err := c.network.CompletePayment(ctx, id, txid)
	if err == nil {
		return payment, nil
	}
	if IsRetryable(err) || errors.Is(err, ErrNotConfigured) {
		return nil, err
	}
	current, getErr := c.network.GetPayment(ctx, id)
	if getErr == nil && current.Status.DeveloperCompleted {
		return current, nil
	}
	return nil, err
}

func (c *Coordinator) recordNetworkCompletion(ctx context.Context, row *models.PaymentLedger, token string) error {
	var ok bool
	err := withLocalRetry(func() error {
		var err error
		ok, err = c.repo.UpdateLedger(ctx, LedgerUpdate{
			PaymentID:  row.PaymentID,
			ClaimToken: token,
			Set: map[string]interface{}{
				"network_completed_at": row.NetworkCompletedAt,
				"txid":                 row.TxID,
				"amount":               row.Amount,
				"memo":                 row.Memo,
				"metadata":             row.Metadata,
			},
		})
		return err
	})
	if err != nil {
		return err
	}
	if !ok {
		return errClaimLost
	}
	return nil
}

// finalize applies the subscription and marks the ledger completed. The
// returned result is the decoded stored copy so later short-circuits match.
func (c *Coordinator) finalize(ctx context.Context, row *models.PaymentLedger, token, identity string) (*CompletionResult, error) {
	now := c.now()
	result := CompletionResult{
		PaymentID: row.PaymentID,
		TxID:      row.TxID,
		State:     StateCompleted,
		Amount:    row.Amount,
	}

	profileID := row.ProfileID
	if profileID == nil {
		var err error
		if profileID, err = c.lookupProfile(ctx, row.Metadata, identity); err != nil {
			return nil, err
		}
	}
	result.ProfileID = profileID

	planRaw := metaPlan(row.Metadata)
	switch {
	case profileID != nil && entitlements.IsKnownPlan(planRaw):
		if err := checkPrice(row.Metadata, row.Amount); err != nil {
			return nil, err
		}
		plan := entitlements.NormalizePlan(planRaw)
		period := NormalizePeriod(metaPeriod(row.Metadata))
		sub, err := c.applySubscription(ctx, *profileID, row, plan, period, now)
		if err != nil {
			return nil, err
		}
		result.Plan = sub.PlanType
		result.BillingPeriod = sub.BillingPeriod
		start := sub.StartDate
		result.StartDate = &start
		result.EndDate = sub.EndDate
		result.SubscriptionApplied = true
	case planRaw != "" || strings.EqualFold(metaString(row.Metadata, MetaType), paymentTypeSubscription):
		// Paid for a plan that cannot be applied yet; reconciliation retries.
		return nil, fmt.Errorf("%w: payment %s", errSubscriptionUnapplied, row.PaymentID)
	}

	completedAt := now
	result.CompletedAt = &completedAt
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}

	var ok bool
	err = withLocalRetry(func() error {
		var err error
		ok, err = c.repo.UpdateLedger(ctx, LedgerUpdate{
			PaymentID:  row.PaymentID,
			ClaimToken: token,
			Set: map[string]interface{}{
				"state":        string(StateCompleted),
				"result":       datatypes.JSON(encoded),
				"completed_at": &completedAt,
				"profile_id":   profileID,
				"claimed_at":   nil,
				"last_error":   "",
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		stored, getErr := c.repo.GetLedger(ctx, row.PaymentID)
		if getErr == nil && PaymentState(stored.State) == StateCompleted {
			return decodeResult(stored)
		}
		return nil, errClaimLost
	}

	var out CompletionResult
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// applySubscription replaces the subscription of a profile with the plan
// bought by row. An earlier attempt for the same payment is reused.
func (c *Coordinator) applySubscription(ctx context.Context, profileID uuid.UUID, row *models.PaymentLedger, plan entitlements.Plan, period string, now time.Time) (*models.Subscription, error) {
	existing, err := c.repo.GetSubscriptionByProfile(ctx, profileID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if existing != nil && existing.PaymentID == row.PaymentID {
		return existing, nil
	}

	method := metaString(row.Metadata, "payment_method")
	if method == "" {
		method = models.PaymentMethodPi
	}
	end := AddBillingPeriod(now, period)
	sub := &models.Subscription{
		ProfileID:     profileID,
		PlanType:      string(plan),
		BillingPeriod: period,
		PiAmount:      row.Amount,
		StartDate:     now,
		EndDate:       &end,
		Status:        models.SubscriptionStatusActive,
		AutoRenew:     true,
		PaymentID:     row.PaymentID,
		TransactionID: row.TxID,
		PaymentMethod: method,
	}
	if err := withLocalRetry(func() error { return c.repo.UpsertSubscription(ctx, sub) }); err != nil {
		return nil, err
	}
	return sub, nil
}

// flagForReconcile reports a payment the network completed but whose local
// effect could not be written. The caller sees success.
func (c *Coordinator) flagForReconcile(ctx context.Context, row *models.PaymentLedger, token string, cause error) *CompletionResult {
	logger.LogError("payment_reconcile_required", cause, map[string]interface{}{
		"payment_id": row.PaymentID,
		"txid":       row.TxID,
	})
	metrics.ReconciliationTotal.WithLabelValues("flagged").Inc()

	if _, err := c.repo.UpdateLedger(ctx, LedgerUpdate{
		PaymentID:  row.PaymentID,
		ClaimToken: token,
		Set: map[string]interface{}{
			"last_error": cause.Error(),
			"claimed_at": nil,
		},
	}); err != nil {
		c.log.WithError(err).WithField("payment_id", row.PaymentID).Warn("failed to release ledger claim")
	}
	if c.queue != nil {
		if err := c.queue.EnqueueReconcile(ctx, row.PaymentID); err != nil {
			c.log.WithError(err).WithField("payment_id", row.PaymentID).Warn("failed to enqueue reconciliation, sweep will retry")
		}
	}

	return &CompletionResult{
		PaymentID:        row.PaymentID,
		TxID:             row.TxID,
		State:            StatePendingCompletion,
		ProfileID:        row.ProfileID,
		Amount:           row.Amount,
		ReconcilePending: true,
	}
}

// Reconcile re-applies the local effect of a payment the network already
// completed. It never calls the completion endpoint.
func (c *Coordinator) Reconcile(ctx context.Context, paymentID string) error {
	id := strings.TrimSpace(paymentID)
	row, err := c.repo.GetLedger(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPaymentNotFound
		}
		return err
	}
	switch PaymentState(row.State) {
	case StateCompleted:
		return nil
	case StateCancelled:
		return ErrCancelled
	}

	var payment *PiPayment
	if row.NetworkCompletedAt == nil {
		payment, err = c.network.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		if !payment.Status.DeveloperCompleted {
			metrics.ReconciliationTotal.WithLabelValues("skipped").Inc()
			c.log.WithField("payment_id", id).Info("payment not completed on network, nothing to reconcile")
			return nil
		}
	}

	now := c.now()
	token := uuid.NewString()
	claimed, row, err := c.repo.ClaimLedger(ctx, LedgerClaim{
		PaymentID:   id,
		From:        sourcesOf(StatePendingCompletion),
		Stale:       []PaymentState{StatePendingCompletion},
		StaleBefore: now.Add(-c.lease),
		To:          StatePendingCompletion,
		Token:       token,
		Now:         now,
	})
	if err != nil {
		return err
	}
	if !claimed {
		if PaymentState(row.State) == StateCompleted {
			return nil
		}
		return ErrPaymentInProgress
	}

	if row.NetworkCompletedAt == nil {
		if payment != nil {
			absorbPayment(row, payment)
		}
		row.NetworkCompletedAt = &now
		if err := c.recordNetworkCompletion(ctx, row, token); err != nil {
			c.releaseClaim(ctx, id, token, err)
			return err
		}
	}

	if _, err := c.finalize(ctx, row, token, ""); err != nil {
		c.releaseClaim(ctx, id, token, err)
		metrics.ReconciliationTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.ReconciliationTotal.WithLabelValues("reconciled").Inc()
	logger.LogEvent("payment_reconciled", map[string]interface{}{"payment_id": id})
	return nil
}

// StuckPayments lists payments completed on the network whose local effect
// is still missing and no request is working on.
func (c *Coordinator) StuckPayments(ctx context.Context, limit int) ([]string, error) {
	rows, err := c.repo.ListReconcilable(ctx, c.now().Add(-c.lease), limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.PaymentID)
	}
	return ids, nil
}

// ApplyExternalCompletion records a payment completed by another provider and
// applies its plan with the same ledger rules as Complete.
func (c *Coordinator) ApplyExternalCompletion(ctx context.Context, in ExternalCompletion) (*CompletionResult, error) {
	id := strings.TrimSpace(in.PaymentID)
	if id == "" {
		return nil, validationError("payment id is required")
	}
	metadata := mergeMetadata(in.Metadata, nil)
	if in.Plan != "" {
		metadata[MetaPlan] = strings.ToLower(strings.TrimSpace(in.Plan))
	}
	if in.BillingPeriod != "" {
		metadata[MetaPeriod] = NormalizePeriod(in.BillingPeriod)
	}
	if in.ProfileID != nil {
		metadata[MetaProfileID] = in.ProfileID.String()
	}
	method := strings.ToLower(strings.TrimSpace(in.Provider))
	if method == "" {
		method = models.PaymentMethodDropPay
	}
	metadata["payment_method"] = method
	if err := validatePurchaseMetadata(metadata); err != nil {
		return nil, err
	}
	txid := strings.TrimSpace(in.TxID)
	if txid == "" {
		txid = id
	}

	row, err := c.repo.GetLedger(ctx, id)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if row != nil {
		if res, err := c.completionShortCircuit(row, ""); res != nil || err != nil {
			return res, err
		}
	}

	now := c.now()
	token := uuid.NewString()
	claimed, row, err := c.repo.ClaimLedger(ctx, LedgerClaim{
		PaymentID:   id,
		From:        sourcesOf(StatePendingCompletion),
		Stale:       []PaymentState{StatePendingCompletion},
		StaleBefore: now.Add(-c.lease),
		To:          StatePendingCompletion,
		Token:       token,
		Now:         now,
		Seed: &models.PaymentLedger{
			ProfileID:          in.ProfileID,
			Amount:             in.Amount,
			TxID:               txid,
			Metadata:           datatypes.JSONMap(metadata),
			NetworkCompletedAt: &now,
		},
		Set: map[string]interface{}{
			"txid":                 txid,
			"amount":               in.Amount,
			"metadata":             datatypes.JSONMap(metadata),
			"network_completed_at": gorm.Expr("COALESCE(network_completed_at, ?)", now),
		},
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		if res, err := c.completionShortCircuit(row, ""); res != nil || err != nil {
			return res, err
		}
		return nil, ErrPaymentInProgress
	}
	row.Metadata = datatypes.JSONMap(metadata)
	row.TxID = txid
	row.Amount = in.Amount
	if row.NetworkCompletedAt == nil {
		row.NetworkCompletedAt = &now
	}

	result, err := c.finalize(ctx, row, token, "")
	if err != nil {
		c.releaseClaim(ctx, id, token, err)
		logger.LogError("external_payment_apply", err, map[string]interface{}{"payment_id": id, "provider": method})
		return nil, err
	}
	metrics.PaymentPhases.WithLabelValues(string(PhaseCompletion), "external").Inc()
	return result, nil
}

// Cancel records a user abort. Payments already completed on the network
// cannot be cancelled and are never retried after cancellation.
func (c *Coordinator) Cancel(ctx context.Context, req CancelRequest) (PaymentState, error) {
	req.PaymentID = strings.TrimSpace(req.PaymentID)
	if err := validation.ValidateStruct(req); err != nil {
		return "", validationError("%s", err)
	}
	id := req.PaymentID
	if err := c.authorizeCaller(ctx, id, strings.TrimSpace(req.Identity), true); err != nil {
		return "", err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "cancelled by user"
	}

	now := c.now()
	claimed, row, err := c.repo.ClaimLedger(ctx, LedgerClaim{
		PaymentID:      id,
		From:           []PaymentState{StateCreated, StateApproved, StateFailed},
		Stale:          []PaymentState{StatePendingApproval, StatePendingCompletion},
		StaleBefore:    now.Add(-c.lease),
		To:             StateCancelled,
		Now:            now,
		NetworkPending: true,
		Seed:           &models.PaymentLedger{LastError: reason},
		Set: map[string]interface{}{
			"last_error":  reason,
			"claim_token": "",
			"claimed_at":  nil,
		},
	})
	if err != nil {
		return "", err
	}
	if claimed {
		metrics.PaymentPhases.WithLabelValues(string(PhaseCancelled), "cancelled").Inc()
		logger.LogEvent("payment_cancelled", map[string]interface{}{"payment_id": id, "reason": reason})
		return StateCancelled, nil
	}

	state := PaymentState(row.State)
	switch {
	case state == StateCancelled:
		return StateCancelled, nil
	case state == StateCompleted || row.NetworkCompletedAt != nil:
		return state, ErrAlreadyCompleted
	default:
		return state, ErrPaymentInProgress
	}
}

// Fail records an error reported by the client SDK.
func (c *Coordinator) Fail(ctx context.Context, req FailRequest) error {
	req.PaymentID = strings.TrimSpace(req.PaymentID)
	if err := validation.ValidateStruct(req); err != nil {
		return validationError("%s", err)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "client reported payment error"
	}
	metrics.PaymentPhases.WithLabelValues("client", "error").Inc()
	if req.PaymentID == "" {
		c.log.WithField("reason", reason).Warn("client payment error without payment id")
		return nil
	}
	if err := c.authorizeCaller(ctx, req.PaymentID, strings.TrimSpace(req.Identity), false); err != nil {
		return err
	}
	return c.recordFailure(ctx, req.PaymentID, reason)
}

// GetSubscription returns the stored subscription of identity.
func (c *Coordinator) GetSubscription(ctx context.Context, identity string) (*models.Subscription, error) {
	profileID, err := c.profiles.FindProfileIDByUsername(ctx, strings.TrimSpace(identity))
	if err != nil {
		return nil, err
	}
	return c.repo.GetSubscriptionByProfile(ctx, profileID)
}

// CancelSubscription stops renewal. The plan stays usable until its end date.
func (c *Coordinator) CancelSubscription(ctx context.Context, identity string) (*models.Subscription, error) {
	profileID, err := c.profiles.FindProfileIDByUsername(ctx, strings.TrimSpace(identity))
	if err != nil {
		return nil, err
	}
	sub, err := c.repo.UpdateSubscriptionStatus(ctx, profileID, models.SubscriptionStatusCancelled, false)
	if err != nil {
		return nil, err
	}
	logger.LogEvent("subscription_cancelled", map[string]interface{}{"profile_id": profileID.String()})
	return sub, nil
}

// RecordWebhookEvent persists webhook payloads idempotently.
func (c *Coordinator) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.PaymentWebhookEvent, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256(in.Payload)
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.PaymentWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		Payload:         datatypes.JSON(in.Payload),
		SignatureValid:  in.SignatureValid,
	}
	return c.repo.CreateWebhookEventIfNotExists(ctx, event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (c *Coordinator) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return c.repo.MarkWebhookProcessed(ctx, webhookEventID, errMsg)
}

func (c *Coordinator) recordFailure(ctx context.Context, id, reason string) error {
	now := c.now()
	_, _, err := c.repo.ClaimLedger(ctx, LedgerClaim{
		PaymentID:      id,
		From:           []PaymentState{StateCreated, StateApproved, StateFailed},
		Stale:          []PaymentState{StatePendingApproval, StatePendingCompletion},
		StaleBefore:    now.Add(-c.lease),
		To:             StateFailed,
		Now:            now,
		NetworkPending: true,
		Seed:           &models.PaymentLedger{LastError: reason},
		Set: map[string]interface{}{
			"last_error":  reason,
			"claim_token": "",
			"claimed_at":  nil,
		},
	})
	return err
}

func (c *Coordinator) releaseAsFailed(ctx context.Context, id, token string, cause error) {
	if _, err := c.repo.UpdateLedger(ctx, LedgerUpdate{
		PaymentID:  id,
		ClaimToken: token,
		Set: map[string]interface{}{
			"state":      string(StateFailed),
			"last_error": cause.Error(),
			"claimed_at": nil,
		},
	}); err != nil {
		c.log.WithError(err).WithField("payment_id", id).Warn("failed to mark payment failed")
	}
}

func (c *Coordinator) releaseClaim(ctx context.Context, id, token string, cause error) {
	if _, err := c.repo.UpdateLedger(ctx, LedgerUpdate{
		PaymentID:  id,
		ClaimToken: token,
		Set: map[string]interface{}{
			"last_error": cause.Error(),
			"claimed_at": nil,
		},
	}); err != nil {
		c.log.WithError(err).WithField("payment_id", id).Warn("failed to release ledger claim")
	}
}

// lookupProfile finds the buyer from metadata, falling back to identity.
// An unknown buyer is nil without error. A buyer other than identity is
// rejected with errNotOwner.
func (c *Coordinator) lookupProfile(ctx context.Context, metadata map[string]interface{}, identity string) (*uuid.UUID, error) {
	if identity != "" {
		if name := metaString(metadata, MetaUsername); name != "" && !strings.EqualFold(name, identity) {
			return nil, errNotOwner
		}
	}
	owner, err := c.metadataProfile(ctx, metadata)
	if err != nil {
		return nil, err
	}
	if identity == "" {
		return owner, nil
	}
	caller, err := c.profileOf(ctx, identity)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return caller, nil
	}
	if caller == nil || *caller != *owner {
		return nil, errNotOwner
	}
	return owner, nil
}

// authorize checks identity against the owner of a payment. A nil owner is
// resolved from metadata. Internal callers pass an empty identity.
func (c *Coordinator) authorize(ctx context.Context, owner *uuid.UUID, metadata map[string]interface{}, identity string) error {
	if identity == "" {
		return nil
	}
	if owner == nil {
		_, err := c.lookupProfile(ctx, metadata, identity)
		return err
	}
	caller, err := c.profileOf(ctx, identity)
	if err != nil {
		return err
	}
	if caller == nil || *caller != *owner {
		return errNotOwner
	}
	return nil
}

// authorizeCaller checks identity against the ledger row of id. A payment
// without a row is looked up on the network when askNetwork is set.
func (c *Coordinator) authorizeCaller(ctx context.Context, id, identity string, askNetwork bool) error {
	if identity == "" {
		return nil
	}
	row, err := c.repo.GetLedger(ctx, id)
	switch {
	case err == nil:
		return c.authorize(ctx, row.ProfileID, row.Metadata, identity)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return err
	case !askNetwork:
		return nil
	}
	payment, err := c.network.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	return c.authorize(ctx, nil, payment.Metadata, identity)
}

func (c *Coordinator) metadataProfile(ctx context.Context, metadata map[string]interface{}) (*uuid.UUID, error) {
	if raw := metaString(metadata, MetaProfileID, "profileId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, validationError("metadata profile_id is not a uuid")
		}
		return &id, nil
	}
	return c.profileOf(ctx, metaString(metadata, MetaUsername))
}

func (c *Coordinator) profileOf(ctx context.Context, username string) (*uuid.UUID, error) {
	if username == "" {
		return nil, nil
	}
	id, err := c.profiles.FindProfileIDByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &id, nil
}

func (c *Coordinator) phaseError(phase Phase, id string, retryable bool, err error) error {
	outcome := "failed"
	if errors.Is(err, ErrValidation) {
		outcome = "rejected"
	}
	metrics.PaymentPhases.WithLabelValues(string(phase), outcome).Inc()
	return &PaymentError{Phase: phase, PaymentID: id, Retryable: retryable, Err: err}
}

func validatePurchaseMetadata(m map[string]interface{}) error {
	if plan := metaPlan(m); plan != "" && !entitlements.IsKnownPlan(plan) {
		return validationError("unknown plan %q", plan)
	}
	if period := metaPeriod(m); !isKnownPeriod(period) {
		return validationError("unknown billing period %q", period)
	}
	if raw := metaString(m, MetaProfileID, "profileId"); raw != "" {
		if _, err := uuid.Parse(raw); err != nil {
			return validationError("metadata profile_id is not a uuid")
		}
	}
	return nil
}

// checkPrice rejects an amount below the catalog price of the plan named in m.
func checkPrice(m map[string]interface{}, amount decimal.Decimal) error {
	raw := metaPlan(m)
	if !entitlements.IsKnownPlan(raw) {
		return nil
	}
	plan := entitlements.NormalizePlan(raw)
	period := NormalizePeriod(metaPeriod(m))
	if price := entitlements.Price(plan, period); amount.LessThan(price) {
		return validationError("amount %s is below the %s %s price of %s", amount, plan, period, price)
	}
	return nil
}

// absorbPayment copies network confirmed values into the ledger row.
func absorbPayment(row *models.PaymentLedger, payment *PiPayment) {
	if payment == nil {
		return
	}
	row.Metadata = mergeMetadata(row.Metadata, payment.Metadata)
	if payment.Amount.IsPositive() {
		row.Amount = payment.Amount
	}
	if row.Memo == "" {
		row.Memo = payment.Memo
	}
	if row.TxID == "" && payment.Transaction != nil {
		row.TxID = payment.Transaction.TxID
	}
}

func decodeResult(row *models.PaymentLedger) (*CompletionResult, error) {
	if len(row.Result) == 0 {
		return &CompletionResult{
			PaymentID:   row.PaymentID,
			TxID:        row.TxID,
			State:       PaymentState(row.State),
			ProfileID:   row.ProfileID,
			Amount:      row.Amount,
			CompletedAt: row.CompletedAt,
		}, nil
	}
	var out CompletionResult
	if err := json.Unmarshal(row.Result, &out); err != nil {
		return nil, fmt.Errorf("decode stored result of payment %s: %w", row.PaymentID, err)
	}
	return &out, nil
}

// mergeMetadata copies base and overlays the non-empty values of overlay.
func mergeMetadata(base, overlay map[string]interface{}) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// metaPlan and metaPeriod also accept the camelCase keys older clients send.
func metaPlan(m map[string]interface{}) string {
	return metaString(m, MetaPlan, "subscriptionPlan")
}

func metaPeriod(m map[string]interface{}) string {
	return metaString(m, MetaPeriod, "billing_period", "billingPeriod")
}

func metaString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case fmt.Stringer:
			return t.String()
		}
	}
	return ""
}

func withLocalRetry(fn func() error) error {
	if err := fn(); err == nil {
		return nil
	}
	return fn()
}
