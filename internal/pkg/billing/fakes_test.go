package billing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/droplink/droplink-api/app/models"
)

type fakeRepo struct {
	mu        sync.Mutex
	ledger    map[string]*models.PaymentLedger
	subs      map[uuid.UUID]*models.Subscription
	events    map[string]*models.PaymentWebhookEvent
	nextEvent uint

	upserts      int
	upsertErr    error
	updateErr    func(LedgerUpdate) error
	ledgerGetErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		ledger: map[string]*models.PaymentLedger{},
		subs:   map[uuid.UUID]*models.Subscription{},
		events: map[string]*models.PaymentWebhookEvent{},
	}
}

func (f *fakeRepo) GetLedger(_ context.Context, paymentID string) (*models.PaymentLedger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ledgerGetErr != nil {
		return nil, f.ledgerGetErr
	}
	row, ok := f.ledger[paymentID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeRepo) ClaimLedger(_ context.Context, c LedgerClaim) (bool, *models.PaymentLedger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := c.Now

	row, ok := f.ledger[c.PaymentID]
	if !ok {
		if c.Seed == nil {
			return false, nil, gorm.ErrRecordNotFound
		}
		seed := *c.Seed
		seed.PaymentID = c.PaymentID
		seed.State = string(c.To)
		seed.ClaimToken = c.Token
		seed.ClaimedAt = &now
		f.ledger[c.PaymentID] = &seed
		cp := seed
		return true, &cp, nil
	}

	eligible := hasState(c.From, row.State)
	if !eligible && len(c.Stale) > 0 && !c.StaleBefore.IsZero() && hasState(c.Stale, row.State) {
		eligible = row.ClaimedAt == nil || row.ClaimedAt.Before(c.StaleBefore)
	}
	if c.NetworkPending && row.NetworkCompletedAt != nil {
		eligible = false
	}
	if !eligible {
		cp := *row
		return false, &cp, nil
	}

	row.State = string(c.To)
	row.ClaimToken = c.Token
	row.ClaimedAt = &now
	applySet(row, c.Set, now)
	cp := *row
	return true, &cp, nil
}

func (f *fakeRepo) UpdateLedger(_ context.Context, u LedgerUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		if err := f.updateErr(u); err != nil {
			return false, err
		}
	}
	row, ok := f.ledger[u.PaymentID]
	if !ok || row.ClaimToken != u.ClaimToken {
		return false, nil
	}
	applySet(row, u.Set, time.Now().UTC())
	return true, nil
}

func (f *fakeRepo) ListReconcilable(_ context.Context, staleBefore time.Time, limit int) ([]models.PaymentLedger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PaymentLedger
	for _, row := range f.ledger {
		if row.NetworkCompletedAt == nil {
			continue
		}
		if row.State != string(StatePendingCompletion) && row.State != string(StateFailed) {
			continue
		}
		if row.ClaimedAt != nil && !row.ClaimedAt.Before(staleBefore) {
			continue
		}
		out = append(out, *row)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRepo) UpsertSubscription(_ context.Context, sub *models.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.upsertErr != nil {
		return f.upsertErr
	}
	if existing, ok := f.subs[sub.ProfileID]; ok {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	} else {
		sub.ID = uuid.New()
		sub.CreatedAt = time.Now().UTC()
	}
	cp := *sub
	f.subs[sub.ProfileID] = &cp
	return nil
}

func (f *fakeRepo) GetSubscriptionByProfile(_ context.Context, profileID uuid.UUID) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[profileID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeRepo) ListLatestSubscriptions(ctx context.Context, profileID uuid.UUID, _ int) ([]models.Subscription, error) {
	sub, err := f.GetSubscriptionByProfile(ctx, profileID)
	if err != nil {
		return nil, nil
	}
	return []models.Subscription{*sub}, nil
}

func (f *fakeRepo) UpdateSubscriptionStatus(ctx context.Context, profileID uuid.UUID, status string, autoRenew bool) (*models.Subscription, error) {
	f.mu.Lock()
	sub, ok := f.subs[profileID]
	if ok {
		sub.Status = status
		sub.AutoRenew = autoRenew
	}
	f.mu.Unlock()
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return f.GetSubscriptionByProfile(ctx, profileID)
}

func (f *fakeRepo) CreateWebhookEventIfNotExists(_ context.Context, event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := event.Provider + "/" + event.ProviderEventID
	if stored, ok := f.events[key]; ok {
		cp := *stored
		return false, &cp, nil
	}
	f.nextEvent++
	event.ID = f.nextEvent
	cp := *event
	f.events[key] = &cp
	return true, event, nil
}

func (f *fakeRepo) MarkWebhookProcessed(_ context.Context, id uint, processingError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.ID == id {
			ev.ProcessingError = processingError
			if processingError == "" {
				now := time.Now().UTC()
				ev.ProcessedAt = &now
			}
		}
	}
	return nil
}

func (f *fakeRepo) ledgerState(id string) PaymentState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.ledger[id]; ok {
		return PaymentState(row.State)
	}
	return ""
}

func (f *fakeRepo) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}

func applySet(row *models.PaymentLedger, set map[string]interface{}, now time.Time) {
	for k, v := range set {
		switch k {
		case "state":
			row.State = v.(string)
		case "claim_token":
			row.ClaimToken = v.(string)
		case "claimed_at":
			row.ClaimedAt = timePtr(v)
		case "txid":
			row.TxID = v.(string)
		case "memo":
			row.Memo = v.(string)
		case "last_error":
			row.LastError = v.(string)
		case "amount":
			row.Amount = v.(decimal.Decimal)
		case "metadata":
			row.Metadata = v.(datatypes.JSONMap)
		case "result":
			row.Result = v.(datatypes.JSON)
		case "profile_id":
			row.ProfileID, _ = v.(*uuid.UUID)
		case "completed_at":
			row.CompletedAt = timePtr(v)
		case "network_completed_at":
			if t := timePtr(v); t != nil {
				row.NetworkCompletedAt = t
			} else if v != nil && row.NetworkCompletedAt == nil {
				// COALESCE expression
				row.NetworkCompletedAt = &now
			}
		}
	}
}

func timePtr(v interface{}) *time.Time {
	switch t := v.(type) {
	case *time.Time:
		if t == nil {
			return nil
		}
		cp := *t
		return &cp
	case time.Time:
		return &t
	}
	return nil
}

func hasState(states []PaymentState, s string) bool {
	for _, candidate := range states {
		if string(candidate) == s {
			return true
		}
	}
	return false
}

type fakeNetwork struct {
	mu          sync.Mutex
	payments    map[string]*PiPayment
	getErr      error
	approveErr  error
	completeErr error

	getCalls      int
	approveCalls  int
	completeCalls int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{payments: map[string]*PiPayment{}}
}

func (n *fakeNetwork) addPayment(id string, amount int64, metadata map[string]interface{}) {
	n.payments[id] = &PiPayment{
		Identifier: id,
		Amount:     decimal.NewFromInt(amount),
		Memo:       "DropLink plan",
		Metadata:   metadata,
	}
}

func (n *fakeNetwork) GetPayment(_ context.Context, id string) (*PiPayment, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.getCalls++
	if n.getErr != nil {
		return nil, n.getErr
	}
	p, ok := n.payments[id]
	if !ok {
		return nil, &PiAPIError{Operation: "get_payment", StatusCode: 404, Body: "payment_not_found"}
	}
	cp := *p
	return &cp, nil
}

func (n *fakeNetwork) ApprovePayment(_ context.Context, id string) (*PiPayment, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.approveCalls++
	if n.approveErr != nil {
		return nil, n.approveErr
	}
	if p, ok := n.payments[id]; ok {
		p.Status.DeveloperApproved = true
		cp := *p
		return &cp, nil
	}
	return &PiPayment{Identifier: id}, nil
}

func (n *fakeNetwork) CompletePayment(_ context.Context, id, txid string) (*PiPayment, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completeCalls++
	if n.completeErr != nil {
		return nil, n.completeErr
	}
	p, ok := n.payments[id]
	if !ok {
		p = &PiPayment{Identifier: id}
		n.payments[id] = p
	}
	p.Status.DeveloperCompleted = true
	p.Transaction = &PiTransaction{TxID: txid, Verified: true}
	cp := *p
	return &cp, nil
}

func (n *fakeNetwork) completeCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.completeCalls
}

type fakeProfiles struct {
	ids map[string]uuid.UUID
}

func (p *fakeProfiles) FindProfileIDByUsername(_ context.Context, username string) (uuid.UUID, error) {
	id, ok := p.ids[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return uuid.Nil, gorm.ErrRecordNotFound
	}
	return id, nil
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *fakeQueue) EnqueueReconcile(_ context.Context, paymentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, paymentID)
	return nil
}
