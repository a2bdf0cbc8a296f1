package plans

// Feature ids used by the default catalog. The reputation dashboard maps
// its gated surfaces onto these channels.
const (
	FeatureSearch             FeatureID = "search"
	FeatureInstagramAnalysis  FeatureID = "instagram_analysis"
	FeatureFacebookAnalysis   FeatureID = "facebook_analysis"
	FeatureAdvancedSentiment  FeatureID = "advanced_sentiment"
	FeatureCompetitorTracking FeatureID = "competitor_tracking"
	FeatureExport             FeatureID = "export"
)

// Default plan ids.
const (
	PlanFree     PlanID = "free"
	PlanStarter  PlanID = "starter"
	PlanBusiness PlanID = "business"
)

// DefaultPlans returns the built-in catalog used when no plans file is
// configured. Values are per billing cycle; PriceCents is the monthly price.
func DefaultPlans() []Plan {
	return []Plan{
		{
			ID:              PlanFree,
			Name:            "Free",
			PriceCents:      0,
			CreditsPerCycle: 50,
			DisplayRank:     0,
			Features: map[FeatureID]FeatureLimit{
				FeatureSearch:            {Limit: 20, Resets: ResetPerCycle},
				FeatureInstagramAnalysis: {Limit: 3, Resets: ResetPerCycle},
				FeatureAdvancedSentiment: {Limit: 0, Resets: ResetPerCycle},
			},
		},
		{
			ID:              PlanStarter,
			Name:            "Starter",
			PriceCents:      2900,
			CreditsPerCycle: 500,
			DisplayRank:     1,
			Features: map[FeatureID]FeatureLimit{
				FeatureSearch:            {Unlimited: true, Resets: ResetPerCycle},
				FeatureInstagramAnalysis: {Limit: 30, Resets: ResetPerCycle},
				FeatureFacebookAnalysis:  {Limit: 30, Resets: ResetPerCycle},
				FeatureAdvancedSentiment: {Limit: 50, Resets: ResetPerCycle},
				FeatureExport:            {Limit: 10, Resets: ResetPerCycle},
			},
		},
		{
			ID:              PlanBusiness,
			Name:            "Business",
			PriceCents:      9900,
			CreditsPerCycle: 2500,
			DisplayRank:     2,
			Features: map[FeatureID]FeatureLimit{
				FeatureSearch:             {Unlimited: true, Resets: ResetPerCycle},
				FeatureInstagramAnalysis:  {Unlimited: true, Resets: ResetPerCycle},
				FeatureFacebookAnalysis:   {Unlimited: true, Resets: ResetPerCycle},
				FeatureAdvancedSentiment:  {Unlimited: true, Resets: ResetPerCycle},
				FeatureCompetitorTracking: {Limit: 5, Resets: ResetNever},
				FeatureExport:             {Unlimited: true, Resets: ResetPerCycle},
			},
		},
	}
}
