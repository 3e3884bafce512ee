package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/droplink/droplink-api/app/models"
	"github.com/droplink/droplink-api/internal/pkg/entitlements"
)

type planResponse struct {
	ID           entitlements.Plan   `json:"id"`
	Name         string              `json:"name"`
	Description  string              `json:"description"`
	PriceMonthly decimal.Decimal     `json:"price_monthly"`
	PriceYearly  decimal.Decimal     `json:"price_yearly"`
	Recommended  bool                `json:"recommended"`
	Features     map[string]bool     `json:"features"`
	Limits       entitlements.Limits `json:"limits"`
	UpgradePath  []entitlements.Plan `json:"upgrade_path"`
}

// HandleListPlans returns the plan catalog with both billing periods priced.
func HandleListPlans(c *fiber.Ctx) error {
	catalog := entitlements.Plans()
	plans := make([]planResponse, 0, len(catalog))
	for _, cfg := range catalog {
		upgrades := entitlements.UpgradePath(cfg.ID)
		if upgrades == nil {
			upgrades = []entitlements.Plan{}
		}
		plans = append(plans, planResponse{
			ID:           cfg.ID,
			Name:         cfg.Name,
			Description:  cfg.Description,
			PriceMonthly: entitlements.Price(cfg.ID, models.BillingPeriodMonthly),
			PriceYearly:  entitlements.Price(cfg.ID, models.BillingPeriodYearly),
			Recommended:  cfg.Recommended,
			Features:     cfg.Features,
			Limits:       cfg.Limits,
			UpgradePath:  upgrades,
		})
	}
	return c.JSON(fiber.Map{
		"plans":        plans,
		"plan_version": entitlements.PlanTableVersion,
		"features":     entitlements.Features(),
	})
}
