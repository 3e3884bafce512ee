package entitlements

import "sort"

// Feature names gated by plan.
const (
	FeatureBasicProfile         = "basicProfile"
	FeatureBasicTheme           = "basicTheme"
	FeaturePublicBio            = "publicBio"
	FeatureQRCode               = "qrCode"
	FeatureOneSocialLink        = "oneSocialLink"
	FeaturePiWalletTips         = "piWalletTips"
	FeatureSocialFeed           = "socialFeed"
	FeatureMultipleSocialLinks  = "multipleSocialLinks"
	FeatureBasicAnalytics       = "basicAnalytics"
	FeatureNoWatermark          = "noWatermark"
	FeatureFiveCustomLinks      = "fiveCustomLinks"
	FeatureCustomLinks          = "customLinks"
	FeatureGifBackground        = "gifBackground"
	FeatureYoutubeVideo         = "youtubeVideo"
	FeatureBackgroundMusic      = "backgroundMusic"
	FeatureDigitalProducts      = "digitalProducts"
	FeatureThemeCustomization   = "themeCustomization"
	FeatureAdvancedTheme        = "advancedTheme"
	FeatureAIFeatures           = "aiFeatures"
	FeatureImageLinkCards       = "imageLinkCards"
	FeatureVirtualCards         = "virtualCards"
	FeatureUnlimitedSocialLinks = "unlimitedSocialLinks"
	FeaturePrioritySupport      = "prioritySupport"
	FeatureAnalytics            = "analytics"
	FeatureCustomDomain         = "customDomain"
	FeatureWhiteLabel           = "whiteLabel"
	FeatureNoAds                = "noAds"
	FeatureAPIAccess            = "apiAccess"
	FeatureTeamCollaboration    = "teamCollaboration"
	FeatureBulkManagement       = "bulkManagement"
	FeatureEnterpriseFeatures   = "enterpriseFeatures"
)

var featureMinimumPlan = map[string]Plan{
	FeatureBasicProfile:  PlanFree,
	FeatureBasicTheme:    PlanFree,
	FeaturePublicBio:     PlanFree,
	FeatureQRCode:        PlanFree,
	FeatureOneSocialLink: PlanFree,

	FeaturePiWalletTips:        PlanBasic,
	FeatureSocialFeed:          PlanBasic,
	FeatureMultipleSocialLinks: PlanBasic,
	FeatureBasicAnalytics:      PlanBasic,
	FeatureNoWatermark:         PlanBasic,
	FeatureFiveCustomLinks:     PlanBasic,

	FeatureCustomLinks:          PlanPremium,
	FeatureGifBackground:        PlanPremium,
	FeatureYoutubeVideo:         PlanPremium,
	FeatureBackgroundMusic:      PlanPremium,
	FeatureDigitalProducts:      PlanPremium,
	FeatureThemeCustomization:   PlanPremium,
	FeatureAdvancedTheme:        PlanPremium,
	FeatureAIFeatures:           PlanPremium,
	FeatureImageLinkCards:       PlanPremium,
	FeatureVirtualCards:         PlanPremium,
	FeatureUnlimitedSocialLinks: PlanPremium,
	FeaturePrioritySupport:      PlanPremium,

	FeatureAnalytics:          PlanPro,
	FeatureCustomDomain:       PlanPro,
	FeatureWhiteLabel:         PlanPro,
	FeatureNoAds:              PlanPro,
	FeatureAPIAccess:          PlanPro,
	FeatureTeamCollaboration:  PlanPro,
	FeatureBulkManagement:     PlanPro,
	FeatureEnterpriseFeatures: PlanPro,
}

// MinimumPlanFor returns the lowest plan granting feature.
func MinimumPlanFor(feature string) (Plan, bool) {
	p, ok := featureMinimumPlan[feature]
	return p, ok
}

// HasFeature reports whether plan p grants feature. Unknown features are
// never granted.
func HasFeature(p Plan, feature string) bool {
	required, ok := featureMinimumPlan[feature]
	if !ok {
		return false
	}
	return Rank(p) >= Rank(required)
}

// Features returns every gated feature name, sorted.
func Features() []string {
	out := make([]string, 0, len(featureMinimumPlan))
	for f := range featureMinimumPlan {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func featureSet(p Plan) map[string]bool {
	out := make(map[string]bool, len(featureMinimumPlan))
	for f, required := range featureMinimumPlan {
		out[f] = Rank(p) >= Rank(required)
	}
	return out
}
