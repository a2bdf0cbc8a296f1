package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/RepScopeLabs/creditengine/pkg/plans"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorSubjectPlan  = "plan"
	errorCodeSeed     = "seed"
	errorCodeDecode   = "decode"
	errorCodeEncode   = "encode"
	errorCodePlanGet  = "get"
	errorCodePlanList = "list"
)

type featureLimitRecord struct {
	Limit     int64  `json:"limit"`
	Unlimited bool   `json:"unlimited"`
	Resets    string `json:"resets"`
}

// PlanCatalog implements plans.Catalog over the plans reference table.
// Plans are read-mostly: updates happen only through Seed, by
// administrative action, never in end-user flows.
type PlanCatalog struct {
	db *gorm.DB
}

// NewPlanCatalog returns a catalog backed by gorm.DB.
func NewPlanCatalog(db *gorm.DB) *PlanCatalog {
	return &PlanCatalog{db: db}
}

// Seed upserts the given plan definitions. Existing rows are overwritten so
// a redeploy converges the reference data to the configured catalog.
func (catalog *PlanCatalog) Seed(ctx context.Context, definitions []plans.Plan) error {
	for _, definition := range definitions {
		features := make(map[string]featureLimitRecord, len(definition.Features))
		for featureID, limit := range definition.Features {
			features[string(featureID)] = featureLimitRecord{
				Limit:     limit.Limit,
				Unlimited: limit.Unlimited,
				Resets:    string(limit.Resets),
			}
		}
		encoded, err := json.Marshal(features)
		if err != nil {
			return wrapStoreError(errorSubjectPlan, errorCodeEncode, err)
		}
		record := PlanRecord{
			PlanID:          string(definition.ID),
			Name:            definition.Name,
			PriceCents:      definition.PriceCents,
			CreditsPerCycle: definition.CreditsPerCycle,
			DisplayRank:     definition.DisplayRank,
			Features:        datatypes.JSON(encoded),
		}
		err = catalog.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "plan_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "price_cents", "credits_per_cycle", "display_rank", "features", "updated_at"}),
			}).
			Create(&record).Error
		if err != nil {
			return wrapStoreError(errorSubjectPlan, errorCodeSeed, err)
		}
	}
	return nil
}

// GetPlan returns the plan or plans.ErrPlanNotFound.
func (catalog *PlanCatalog) GetPlan(ctx context.Context, planID plans.PlanID) (plans.Plan, error) {
	var record PlanRecord
	err := catalog.db.WithContext(ctx).
		Where("plan_id = ?", string(planID)).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return plans.Plan{}, fmt.Errorf("%w: %q", plans.ErrPlanNotFound, planID)
		}
		return plans.Plan{}, wrapStoreError(errorSubjectPlan, errorCodePlanGet, err)
	}
	return mapPlan(record)
}

// ListPlans returns plans ascending by display rank.
func (catalog *PlanCatalog) ListPlans(ctx context.Context) ([]plans.Plan, error) {
	var records []PlanRecord
	err := catalog.db.WithContext(ctx).
		Order("display_rank ASC").
		Find(&records).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPlan, errorCodePlanList, err)
	}
	listed := make([]plans.Plan, 0, len(records))
	for _, record := range records {
		plan, err := mapPlan(record)
		if err != nil {
			return nil, err
		}
		listed = append(listed, plan)
	}
	return listed, nil
}

// FeatureLimit returns the limit for a feature on a known plan; unknown
// features yield the conservative zero value.
func (catalog *PlanCatalog) FeatureLimit(ctx context.Context, planID plans.PlanID, featureID plans.FeatureID) (plans.FeatureLimit, error) {
	plan, err := catalog.GetPlan(ctx, planID)
	if err != nil {
		return plans.FeatureLimit{}, err
	}
	return plan.FeatureLimit(featureID), nil
}

func mapPlan(record PlanRecord) (plans.Plan, error) {
	var features map[string]featureLimitRecord
	if len(record.Features) > 0 {
		if err := json.Unmarshal(record.Features, &features); err != nil {
			return plans.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeDecode, err)
		}
	}
	mapped := make(map[plans.FeatureID]plans.FeatureLimit, len(features))
	for featureID, limit := range features {
		resets, err := plans.ParseResetPolicy(limit.Resets)
		if err != nil {
			return plans.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeDecode, err)
		}
		mapped[plans.FeatureID(featureID)] = plans.FeatureLimit{
			Limit:     limit.Limit,
			Unlimited: limit.Unlimited,
			Resets:    resets,
		}
	}
	return plans.Plan{
		ID:              plans.PlanID(record.PlanID),
		Name:            record.Name,
		PriceCents:      record.PriceCents,
		CreditsPerCycle: record.CreditsPerCycle,
		DisplayRank:     record.DisplayRank,
		Features:        mapped,
	}, nil
}
