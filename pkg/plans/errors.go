package plans

import "errors"

// Domain-level error values returned by the plan catalog.
var (
	ErrPlanNotFound       = errors.New("plan not found")
	ErrInvalidPlanID      = errors.New("invalid plan id")
	ErrInvalidFeatureID   = errors.New("invalid feature id")
	ErrInvalidResetPolicy = errors.New("invalid reset policy")
	ErrInvalidPlan        = errors.New("invalid plan definition")
)
