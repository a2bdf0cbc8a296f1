package plans

import (
	"context"
	"fmt"
)

const contactSalesMessage = "This feature is not available on any self-service plan. Contact sales to enable it."

// Gate decides whether an account may perform a gated action right now.
// It never mutates state and never propagates lookup failures: it sits on
// the UI's critical path and must degrade to "locked" rather than crash
// open, so every query has a safe deny default.
type Gate struct {
	catalog Catalog
}

// NewGate wires a Gate over a catalog.
func NewGate(catalog Catalog) (*Gate, error) {
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidPlan)
	}
	return &Gate{catalog: catalog}, nil
}

// HasFeature reports whether the plan grants the feature at all.
// Unknown plans and unknown features both read as locked.
func (gate *Gate) HasFeature(ctx context.Context, planID PlanID, featureID FeatureID) bool {
	limit, err := gate.catalog.FeatureLimit(ctx, planID, featureID)
	if err != nil {
		return false
	}
	return !limit.Disabled()
}

// CanUse reports whether one more invocation is allowed given the current
// period usage. currentUsage is supplied by the caller so the gate stays
// stateless and side-effect-free; unlimited features always pass.
func (gate *Gate) CanUse(ctx context.Context, planID PlanID, featureID FeatureID, currentUsage int64) bool {
	limit, err := gate.catalog.FeatureLimit(ctx, planID, featureID)
	if err != nil {
		return false
	}
	if limit.Unlimited {
		return true
	}
	return currentUsage < limit.Limit
}

// UpgradeMessage names the lowest-ranked plan that grants the feature, or a
// generic contact-sales message when no plan does.
func (gate *Gate) UpgradeMessage(ctx context.Context, planID PlanID, featureID FeatureID) string {
	listed, err := gate.catalog.ListPlans(ctx)
	if err != nil {
		return contactSalesMessage
	}
	for _, plan := range listed {
		if gate.HasFeature(ctx, plan.ID, featureID) {
			return fmt.Sprintf("Upgrade to the %s plan to unlock %s.", plan.Name, featureID)
		}
	}
	return contactSalesMessage
}
