package entitlements

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/droplink/droplink-api/app/models"
	"github.com/droplink/droplink-api/internal/pkg/metrics"
)

// ProfileLookup resolves an identity to a profile id. Absence is reported as
// gorm.ErrRecordNotFound.
type ProfileLookup interface {
	FindProfileIDByUsername(ctx context.Context, username string) (uuid.UUID, error)
}

// SubscriptionReader returns up to limit subscription rows of a profile,
// newest first.
type SubscriptionReader interface {
	ListLatestSubscriptions(ctx context.Context, profileID uuid.UUID, limit int) ([]models.Subscription, error)
}

type Option func(*Resolver)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger used for anomalies.
func WithLogger(log *logrus.Entry) Option {
	return func(r *Resolver) {
		if log != nil {
			r.log = log
		}
	}
}

type Resolver struct {
	profiles ProfileLookup
	subs     SubscriptionReader
	vip      map[string]struct{}
	now      func() time.Time
	log      *logrus.Entry
}

func NewResolver(profiles ProfileLookup, subs SubscriptionReader, vip []string, opts ...Option) *Resolver {
	r := &Resolver{
		profiles: profiles,
		subs:     subs,
		vip:      make(map[string]struct{}, len(vip)),
		now:      func() time.Time { return time.Now().UTC() },
		log:      logrus.WithField("component", "entitlements"),
	}
	for _, name := range vip {
		if key := normalizeIdentity(name); key != "" {
			r.vip[key] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsVIP reports whether identity is on the VIP allow-list.
func (r *Resolver) IsVIP(identity string) bool {
	_, ok := r.vip[normalizeIdentity(identity)]
	return ok
}

// Resolve computes the entitlement snapshot of identity. Missing profiles and
// subscriptions resolve to the free plan without error. A storage fault is
// returned together with the free snapshot so the caller decides whether to
// degrade or surface it.
func (r *Resolver) Resolve(ctx context.Context, identity string) (Snapshot, error) {
	now := r.now()

	if r.IsVIP(identity) {
		metrics.EntitlementResolutions.WithLabelValues("vip").Inc()
		return VIPSnapshot(now), nil
	}

	username := strings.TrimSpace(identity)
	if username == "" {
		metrics.EntitlementResolutions.WithLabelValues("free").Inc()
		return Evaluate(nil, now), nil
	}

	profileID, err := r.profiles.FindProfileIDByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			metrics.EntitlementResolutions.WithLabelValues("free").Inc()
			return Evaluate(nil, now), nil
		}
		metrics.EntitlementResolutions.WithLabelValues("fault").Inc()
		return Evaluate(nil, now), fmt.Errorf("lookup profile %q: %w", username, err)
	}

	return r.resolveProfile(ctx, profileID, now)
}

// ResolveProfile computes the snapshot of an already known profile. The VIP
// list does not apply since it is keyed by identity.
func (r *Resolver) ResolveProfile(ctx context.Context, profileID uuid.UUID) (Snapshot, error) {
	return r.resolveProfile(ctx, profileID, r.now())
}

func (r *Resolver) resolveProfile(ctx context.Context, profileID uuid.UUID, now time.Time) (Snapshot, error) {
	rows, err := r.subs.ListLatestSubscriptions(ctx, profileID, 2)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.EntitlementResolutions.WithLabelValues("fault").Inc()
		return Evaluate(nil, now), fmt.Errorf("load subscription for profile %s: %w", profileID, err)
	}
	if len(rows) == 0 {
		metrics.EntitlementResolutions.WithLabelValues("free").Inc()
		return Evaluate(nil, now), nil
	}
	if len(rows) > 1 {
		metrics.SubscriptionAnomalies.Inc()
		r.log.WithFields(logrus.Fields{
			"profile_id":      profileID.String(),
			"subscription_id": rows[0].ID.String(),
		}).Warn("multiple subscription rows for profile, using newest")
	}

	snap := Evaluate(&rows[0], now)
	switch {
	case snap.IsExpired:
		metrics.EntitlementResolutions.WithLabelValues("expired").Inc()
	case snap.Plan == PlanFree:
		metrics.EntitlementResolutions.WithLabelValues("free").Inc()
	default:
		metrics.EntitlementResolutions.WithLabelValues("subscribed").Inc()
	}
	return snap, nil
}

func normalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
