package plans

import (
	"context"
	"fmt"
	"strings"
)

// PlanID identifies a catalog entry.
type PlanID string

// FeatureID identifies a gated feature (e.g. "instagram_analysis").
type FeatureID string

// ResetPolicy controls how a feature-usage window is bounded.
type ResetPolicy string

const (
	// ResetPerCycle counts usage inside the current billing period only.
	ResetPerCycle ResetPolicy = "per_cycle"
	// ResetNever counts usage over the account's full history.
	ResetNever ResetPolicy = "never"
)

// ParseResetPolicy validates a stored reset policy label.
func ParseResetPolicy(raw string) (ResetPolicy, error) {
	switch ResetPolicy(raw) {
	case ResetPerCycle:
		return ResetPerCycle, nil
	case ResetNever:
		return ResetNever, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidResetPolicy, raw)
}

// FeatureLimit bounds one feature on one plan. A zero-value FeatureLimit
// (limit 0, not unlimited) means the feature is not available, which is the
// safe default returned for unknown features.
type FeatureLimit struct {
	Limit     int64
	Unlimited bool
	Resets    ResetPolicy
}

// Disabled reports whether the limit denies the feature outright.
func (limit FeatureLimit) Disabled() bool {
	return !limit.Unlimited && limit.Limit <= 0
}

// Plan is a read-mostly catalog entry.
type Plan struct {
	ID              PlanID
	Name            string
	PriceCents      int64
	CreditsPerCycle int64
	DisplayRank     int
	Features        map[FeatureID]FeatureLimit
}

// FeatureLimit looks up a feature on the plan, returning the conservative
// zero value for unknown features.
func (plan Plan) FeatureLimit(featureID FeatureID) FeatureLimit {
	limit, ok := plan.Features[featureID]
	if !ok {
		return FeatureLimit{}
	}
	return limit
}

// NewPlanID validates and normalizes a plan id.
func NewPlanID(raw string) (PlanID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidPlanID)
	}
	return PlanID(trimmed), nil
}

// NewFeatureID validates and normalizes a feature id.
func NewFeatureID(raw string) (FeatureID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidFeatureID)
	}
	return FeatureID(trimmed), nil
}

// Catalog is the source of truth for plan definitions. Implementations must
// be safe for unsynchronized concurrent reads once loaded.
type Catalog interface {
	GetPlan(ctx context.Context, planID PlanID) (Plan, error)
	// ListPlans returns plans ascending by DisplayRank, not by id.
	ListPlans(ctx context.Context) ([]Plan, error)
	// FeatureLimit returns the limit for a feature on a known plan; unknown
	// features yield the conservative zero value, never an error.
	FeatureLimit(ctx context.Context, planID PlanID, featureID FeatureID) (FeatureLimit, error)
}
