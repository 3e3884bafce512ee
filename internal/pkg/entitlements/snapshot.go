package entitlements

import (
	"math"
	"time"

	"github.com/droplink/droplink-api/app/models"
)

// ExpiringSoonDays is the window in which an active subscription counts as
// expiring soon.
const ExpiringSoonDays = 7

// Snapshot is the point-in-time answer to what an identity may do. Plan is
// always the effective plan, already downgraded when the subscription ended.
type Snapshot struct {
	Plan           Plan            `json:"plan"`
	PlanName       string          `json:"plan_name"`
	SubscribedPlan Plan            `json:"subscribed_plan,omitempty"`
	BillingPeriod  string          `json:"billing_period,omitempty"`
	Status         string          `json:"status,omitempty"`
	IsVIP          bool            `json:"is_vip"`
	IsActive       bool            `json:"is_active"`
	IsExpired      bool            `json:"is_expired"`
	IsExpiringSoon bool            `json:"is_expiring_soon"`
	DaysLeft       *int            `json:"days_left"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	Features       map[string]bool `json:"features"`
	Limits         Limits          `json:"limits"`
	PlanVersion    string          `json:"plan_version"`
	ResolvedAt     time.Time       `json:"resolved_at"`
}

// Has reports whether the snapshot grants feature.
func (s Snapshot) Has(feature string) bool {
	return s.Features[feature]
}

// Evaluate derives the snapshot of a subscription row at now. A nil row is
// the free plan. This is the only place expiry downgrade is computed.
func Evaluate(sub *models.Subscription, now time.Time) Snapshot {
	if sub == nil {
		return planSnapshot(PlanFree, now)
	}

	stored := NormalizePlan(sub.PlanType)
	effective := stored
	snap := Snapshot{
		SubscribedPlan: stored,
		BillingPeriod:  sub.BillingPeriod,
		Status:         sub.Status,
	}

	if sub.EndDate != nil {
		end := sub.EndDate.UTC()
		days := int(math.Ceil(end.Sub(now).Hours() / 24))
		snap.DaysLeft = &days
		snap.ExpiresAt = &end
		if end.Before(now) {
			snap.IsExpired = true
			snap.Status = models.SubscriptionStatusExpired
			effective = PlanFree
		}
		snap.IsExpiringSoon = !snap.IsExpired && days > 0 && days <= ExpiringSoonDays
	}

	snap.Plan = effective
	snap.PlanName = PlanName(effective)
	snap.IsActive = !snap.IsExpired && effective != PlanFree && sub.Status == models.SubscriptionStatusActive
	snap.Features = featureSet(effective)
	snap.Limits = LimitsFor(effective)
	snap.PlanVersion = PlanTableVersion
	snap.ResolvedAt = now
	return snap
}

// VIPSnapshot pins the top plan with no expiry.
func VIPSnapshot(now time.Time) Snapshot {
	snap := planSnapshot(PlanPro, now)
	snap.SubscribedPlan = PlanPro
	snap.Status = models.SubscriptionStatusActive
	snap.IsVIP = true
	snap.IsActive = true
	return snap
}

func planSnapshot(p Plan, now time.Time) Snapshot {
	return Snapshot{
		Plan:        p,
		PlanName:    PlanName(p),
		Features:    featureSet(p),
		Limits:      LimitsFor(p),
		PlanVersion: PlanTableVersion,
		ResolvedAt:  now,
	}
}
