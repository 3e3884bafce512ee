package entitlements

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/droplink/droplink-api/app/models"
)

type Plan string

const (
	PlanFree    Plan = "free"
	PlanBasic   Plan = "basic"
	PlanPremium Plan = "premium"
	PlanPro     Plan = "pro"
)

// PlanTableVersion identifies the compiled-in plan catalog.
const PlanTableVersion = "2025-01"

var planOrder = []Plan{PlanFree, PlanBasic, PlanPremium, PlanPro}

var yearlyDiscount = decimal.RequireFromString("0.8")

// Limits caps per-plan usage. Numeric caps are counts (or GB for storage).
type Limits struct {
	SocialLinks     int  `json:"social_links"`
	CustomLinks     int  `json:"custom_links"`
	PaymentLinks    int  `json:"payment_links"`
	StorageGB       int  `json:"storage_gb"`
	CustomDomain    bool `json:"custom_domain"`
	BasicAnalytics  bool `json:"basic_analytics"`
	Analytics       bool `json:"analytics"`
	GifBackground   bool `json:"gif_background"`
	PiWalletTips    bool `json:"pi_wallet_tips"`
	AIFeatures      bool `json:"ai_features"`
	PrioritySupport bool `json:"priority_support"`
}

// PlanConfig is one row of the static plan catalog.
type PlanConfig struct {
	ID            Plan            `json:"id"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	BillingPeriod string          `json:"billing_period"`
	Description   string          `json:"description"`
	Features      map[string]bool `json:"features"`
	Limits        Limits          `json:"limits"`
	Recommended   bool            `json:"recommended,omitempty"`
}

var planTable = map[Plan]PlanConfig{
	PlanFree: {
		ID:            PlanFree,
		Name:          "Free",
		Price:         decimal.Zero,
		BillingPeriod: models.BillingPeriodMonthly,
		Description:   "Perfect for getting started with DropLink",
		Features: map[string]bool{
			"profileCustomization": true,
			"socialLinks":          true,
			"publicStore":          true,
			"paymentLinks":         false,
		},
		Limits: Limits{SocialLinks: 1, CustomLinks: 0, PaymentLinks: 0, StorageGB: 1},
	},
	PlanBasic: {
		ID:            PlanBasic,
		Name:          "Basic",
		Price:         decimal.NewFromInt(10),
		BillingPeriod: models.BillingPeriodMonthly,
		Description:   "Starter plan for creators and small businesses",
		Features: map[string]bool{
			"profileCustomization": true,
			"socialLinks":          true,
			"publicStore":          true,
			"paymentLinks":         true,
		},
		Limits: Limits{
			SocialLinks: 3, CustomLinks: 5, PaymentLinks: 5, StorageGB: 1,
			BasicAnalytics: true, PiWalletTips: true,
		},
	},
	PlanPremium: {
		ID:            PlanPremium,
		Name:          "Premium",
		Price:         decimal.NewFromInt(20),
		BillingPeriod: models.BillingPeriodMonthly,
		Description:   "Unlock advanced customization, media and analytics",
		Features: map[string]bool{
			"profileCustomization": true,
			"socialLinks":          true,
			"publicStore":          true,
			"paymentLinks":         true,
		},
		Limits: Limits{
			SocialLinks: 99, CustomLinks: 25, PaymentLinks: 25, StorageGB: 5,
			BasicAnalytics: true, GifBackground: true, PiWalletTips: true, AIFeatures: true, PrioritySupport: true,
		},
		Recommended: true,
	},
	PlanPro: {
		ID:            PlanPro,
		Name:          "Professional",
		Price:         decimal.NewFromInt(30),
		BillingPeriod: models.BillingPeriodMonthly,
		Description:   "Enterprise features, white-label and integrations",
		Features: map[string]bool{
			"profileCustomization": true,
			"socialLinks":          true,
			"publicStore":          true,
			"paymentLinks":         true,
		},
		Limits: Limits{
			SocialLinks: 999, CustomLinks: 999, PaymentLinks: 999, StorageGB: 10,
			CustomDomain: true, BasicAnalytics: true, Analytics: true, GifBackground: true, PiWalletTips: true, AIFeatures: true, PrioritySupport: true,
		},
	},
}

// NormalizePlan maps free-form input to a known plan; anything unknown is free.
func NormalizePlan(raw string) Plan {
	switch p := Plan(strings.ToLower(strings.TrimSpace(raw))); p {
	case PlanBasic, PlanPremium, PlanPro:
		return p
	default:
		return PlanFree
	}
}

// IsKnownPlan reports whether raw names one of the catalog plans.
func IsKnownPlan(raw string) bool {
	_, ok := planTable[Plan(strings.ToLower(strings.TrimSpace(raw)))]
	return ok
}

// Rank orders plans free < basic < premium < pro.
func Rank(p Plan) int {
	for i, candidate := range planOrder {
		if candidate == p {
			return i
		}
	}
	return 0
}

// AtLeast reports whether p meets or exceeds required.
func (p Plan) AtLeast(required Plan) bool {
	return Rank(p) >= Rank(required)
}

// Config returns the catalog entry of p. The returned feature map is a copy
// holding the display flags plus every gated feature as HasFeature reports it.
func Config(p Plan) PlanConfig {
	cfg := planTable[NormalizePlan(string(p))]
	features := featureSet(cfg.ID)
	for k, v := range cfg.Features {
		features[k] = v
	}
	cfg.Features = features
	return cfg
}

// Plans returns the catalog in rank order.
func Plans() []PlanConfig {
	out := make([]PlanConfig, 0, len(planOrder))
	for _, p := range planOrder {
		out = append(out, Config(p))
	}
	return out
}

// PlanName returns the display name of p.
func PlanName(p Plan) string {
	return planTable[NormalizePlan(string(p))].Name
}

// LimitsFor returns the usage caps of p.
func LimitsFor(p Plan) Limits {
	return planTable[NormalizePlan(string(p))].Limits
}

// Price returns the Pi price of p for a billing period. Yearly billing is
// twelve months at a 20% discount, rounded to two decimals.
func Price(p Plan, period string) decimal.Decimal {
	monthly := planTable[NormalizePlan(string(p))].Price
	if monthly.IsZero() {
		return decimal.Zero
	}
	if strings.EqualFold(strings.TrimSpace(period), models.BillingPeriodYearly) {
		return monthly.Mul(decimal.NewFromInt(12)).Mul(yearlyDiscount).Round(2)
	}
	return monthly
}

// UpgradePath lists the plans ranked strictly above p.
func UpgradePath(p Plan) []Plan {
	current := Rank(NormalizePlan(string(p)))
	out := make([]Plan, 0, len(planOrder))
	for _, candidate := range planOrder[current+1:] {
		out = append(out, candidate)
	}
	return out
}
