package plans

import (
	"context"
	"fmt"
	"sort"
)

// StaticCatalog is an in-memory Catalog loaded once at boot. Reads take no
// locks; the backing maps are never mutated after construction.
type StaticCatalog struct {
	byID   map[PlanID]Plan
	ranked []Plan
}

// NewStaticCatalog copies the definitions into an immutable catalog.
func NewStaticCatalog(definitions []Plan) (*StaticCatalog, error) {
	byID := make(map[PlanID]Plan, len(definitions))
	ranked := make([]Plan, 0, len(definitions))
	for _, definition := range definitions {
		if _, err := NewPlanID(string(definition.ID)); err != nil {
			return nil, err
		}
		if definition.Name == "" {
			return nil, fmt.Errorf("%w: plan %q has no name", ErrInvalidPlan, definition.ID)
		}
		if definition.CreditsPerCycle < 0 {
			return nil, fmt.Errorf("%w: plan %q has negative credit allotment", ErrInvalidPlan, definition.ID)
		}
		if _, exists := byID[definition.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate plan id %q", ErrInvalidPlan, definition.ID)
		}
		features := make(map[FeatureID]FeatureLimit, len(definition.Features))
		for featureID, limit := range definition.Features {
			if limit.Resets == "" {
				limit.Resets = ResetPerCycle
			}
			if _, err := ParseResetPolicy(string(limit.Resets)); err != nil {
				return nil, err
			}
			features[featureID] = limit
		}
		definition.Features = features
		byID[definition.ID] = definition
		ranked = append(ranked, definition)
	}
	sort.SliceStable(ranked, func(left, right int) bool {
		return ranked[left].DisplayRank < ranked[right].DisplayRank
	})
	return &StaticCatalog{byID: byID, ranked: ranked}, nil
}

// GetPlan returns the plan or ErrPlanNotFound.
func (catalog *StaticCatalog) GetPlan(_ context.Context, planID PlanID) (Plan, error) {
	plan, ok := catalog.byID[planID]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrPlanNotFound, planID)
	}
	return plan, nil
}

// ListPlans returns plans ascending by display rank.
func (catalog *StaticCatalog) ListPlans(_ context.Context) ([]Plan, error) {
	listed := make([]Plan, len(catalog.ranked))
	copy(listed, catalog.ranked)
	return listed, nil
}

// FeatureLimit returns the limit for a feature on a known plan. Unknown
// features degrade to the conservative zero value so the entitlement gate
// fails closed instead of crashing open.
func (catalog *StaticCatalog) FeatureLimit(ctx context.Context, planID PlanID, featureID FeatureID) (FeatureLimit, error) {
	plan, err := catalog.GetPlan(ctx, planID)
	if err != nil {
		return FeatureLimit{}, err
	}
	return plan.FeatureLimit(featureID), nil
}
