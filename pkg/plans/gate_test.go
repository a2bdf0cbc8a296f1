package plans

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestHasFeatureFailsClosed(test *testing.T) {
	test.Parallel()
	gate := mustGate(test, DefaultPlans())
	ctx := context.Background()

	if gate.HasFeature(ctx, "enterprise", FeatureSearch) {
		test.Fatalf("unknown plan must read as locked")
	}
	if gate.HasFeature(ctx, PlanFree, FeatureID("time_travel")) {
		test.Fatalf("unknown feature must read as locked")
	}
	if gate.HasFeature(ctx, PlanFree, FeatureAdvancedSentiment) {
		test.Fatalf("zero-limit feature must read as locked")
	}
	if !gate.HasFeature(ctx, PlanStarter, FeatureAdvancedSentiment) {
		test.Fatalf("expected advanced sentiment on starter")
	}
}

func TestCanUseRespectsLimits(test *testing.T) {
	test.Parallel()
	gate := mustGate(test, DefaultPlans())
	ctx := context.Background()

	// Free plan grants 3 instagram analyses per cycle.
	if !gate.CanUse(ctx, PlanFree, FeatureInstagramAnalysis, 2) {
		test.Fatalf("expected usage 2 of 3 to pass")
	}
	if gate.CanUse(ctx, PlanFree, FeatureInstagramAnalysis, 3) {
		test.Fatalf("expected usage 3 of 3 to be blocked")
	}
	if !gate.CanUse(ctx, PlanStarter, FeatureSearch, 1_000_000) {
		test.Fatalf("unlimited feature must always pass")
	}
	if gate.CanUse(ctx, "enterprise", FeatureSearch, 0) {
		test.Fatalf("unknown plan must be blocked")
	}
}

func TestCanUseIsPure(test *testing.T) {
	test.Parallel()
	gate := mustGate(test, DefaultPlans())
	ctx := context.Background()

	// Repeated checks with the same usage always give the same answer;
	// the gate records nothing.
	for attempt := 0; attempt < 5; attempt++ {
		if !gate.CanUse(ctx, PlanFree, FeatureInstagramAnalysis, 1) {
			test.Fatalf("attempt %d: expected pass", attempt)
		}
	}
}

func TestUpgradeMessageNamesLowestGrantingPlan(test *testing.T) {
	test.Parallel()
	gate := mustGate(test, DefaultPlans())
	ctx := context.Background()

	message := gate.UpgradeMessage(ctx, PlanFree, FeatureAdvancedSentiment)
	if !strings.Contains(message, "Starter") {
		test.Fatalf("expected message to name the Starter plan, got %q", message)
	}
	if !strings.Contains(message, string(FeatureAdvancedSentiment)) {
		test.Fatalf("expected message to name the feature, got %q", message)
	}
}

func TestUpgradeMessageFallsBackToContactSales(test *testing.T) {
	test.Parallel()
	gate := mustGate(test, DefaultPlans())

	message := gate.UpgradeMessage(context.Background(), PlanFree, FeatureID("time_travel"))
	if message != contactSalesMessage {
		test.Fatalf("expected contact-sales fallback, got %q", message)
	}
}

func TestGateNeverReturnsErrors(test *testing.T) {
	test.Parallel()
	gate := mustGate(test, nil)
	ctx := context.Background()

	// An empty catalog locks everything but must not panic or error.
	if gate.HasFeature(ctx, PlanFree, FeatureSearch) {
		test.Fatalf("empty catalog must lock all features")
	}
	if gate.CanUse(ctx, PlanFree, FeatureSearch, 0) {
		test.Fatalf("empty catalog must block all usage")
	}
	if message := gate.UpgradeMessage(ctx, PlanFree, FeatureSearch); message != contactSalesMessage {
		test.Fatalf("expected contact-sales fallback, got %q", message)
	}
}

func TestNewGateRejectsNilCatalog(test *testing.T) {
	test.Parallel()
	if _, err := NewGate(nil); !errors.Is(err, ErrInvalidPlan) {
		test.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
}

func mustGate(test *testing.T, definitions []Plan) *Gate {
	test.Helper()
	catalog := mustCatalog(test, definitions)
	gate, err := NewGate(catalog)
	if err != nil {
		test.Fatalf("new gate: %v", err)
	}
	return gate
}
