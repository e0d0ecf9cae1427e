package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/storehealth/internal/apperr"
	"github.com/storehealth/internal/models"
	"github.com/storehealth/internal/seed"
)

type RuleManager struct {
	db *gorm.DB
}

func NewRuleManager(db *gorm.DB) *RuleManager {
	return &RuleManager{db: db}
}

func validateRule(rule *models.EscalationRule) error {
	if rule.OrganizationID == 0 {
		return apperr.Validation("organization_id is required")
	}
	if rule.Name == "" {
		return apperr.Validation("rule name is required")
	}
	if rule.FromLevel < 0 || rule.ToLevel <= rule.FromLevel || rule.ToLevel > models.MaxEscalationLevel {
		return apperr.Validation("rule must move up between levels 0 and %d", models.MaxEscalationLevel)
	}
	if rule.DurationHours < 0 {
		return apperr.Validation("duration_hours must not be negative")
	}
	switch rule.TriggerCondition {
	case models.TriggerStatusRed, models.TriggerStatusYellow, models.TriggerSLABreach:
	default:
		return apperr.Validation("unknown trigger condition %q", rule.TriggerCondition)
	}
	if !validAction(rule.Action) {
		return apperr.Validation("unknown action %q", rule.Action)
	}
	return nil
}

func (rm *RuleManager) CreateRule(ctx context.Context, rule *models.EscalationRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if err := rm.db.WithContext(ctx).Create(rule).Error; err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

func (rm *RuleManager) UpdateRule(ctx context.Context, rule *models.EscalationRule) error {
	existing, err := rm.GetRule(ctx, rule.ID)
	if err != nil {
		return err
	}
	if err := validateRule(rule); err != nil {
		return err
	}
	rule.CreatedAt = existing.CreatedAt
	rule.LastTriggered = existing.LastTriggered
	rule.TriggerCount = existing.TriggerCount
	if err := rm.db.WithContext(ctx).Save(rule).Error; err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return nil
}

func (rm *RuleManager) DeleteRule(ctx context.Context, id uint) error {
	res := rm.db.WithContext(ctx).Delete(&models.EscalationRule{}, id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete rule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("rule %d not found", id)
	}
	return nil
}

func (rm *RuleManager) GetRule(ctx context.Context, id uint) (*models.EscalationRule, error) {
	var rule models.EscalationRule
	if err := rm.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("rule %d not found", id)
		}
		return nil, fmt.Errorf("failed to load rule: %w", err)
	}
	return &rule, nil
}

// ListRules returns an organization's rules ordered by level. A zero orgID
// lists every organization's rules.
func (rm *RuleManager) ListRules(ctx context.Context, orgID uint, active *bool) ([]models.EscalationRule, error) {
	query := rm.db.WithContext(ctx)
	if orgID != 0 {
		query = query.Where("organization_id = ?", orgID)
	}
	if active != nil {
		query = query.Where("is_active = ?", *active)
	}
	var rules []models.EscalationRule
	if err := query.Order("from_level").Order("id").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

func (rm *RuleManager) setActive(ctx context.Context, id uint, active bool) error {
	res := rm.db.WithContext(ctx).Model(&models.EscalationRule{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return fmt.Errorf("failed to update rule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("rule %d not found", id)
	}
	return nil
}

func (rm *RuleManager) EnableRule(ctx context.Context, id uint) error {
	return rm.setActive(ctx, id, true)
}

func (rm *RuleManager) DisableRule(ctx context.Context, id uint) error {
	return rm.setActive(ctx, id, false)
}

// CreateDefaultRules installs the standard ladder for an organization that
// has no rules yet.
func (rm *RuleManager) CreateDefaultRules(ctx context.Context, orgID uint) ([]models.EscalationRule, error) {
	var count int64
	if err := rm.db.WithContext(ctx).Model(&models.EscalationRule{}).Where("organization_id = ?", orgID).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to count rules: %w", err)
	}
	if count > 0 {
		return nil, apperr.Conflict("organization %d already has %d rules", orgID, count)
	}

	rules := seed.DefaultRules(orgID)
	for i := range rules {
		if err := rm.CreateRule(ctx, &rules[i]); err != nil {
			return nil, fmt.Errorf("failed to create default rule %s: %w", rules[i].Name, err)
		}
	}
	return rules, nil
}

// ImportRules parses a JSON array of rules and creates them for orgID in one
// transaction. Ids and trigger statistics in the input are ignored.
func (rm *RuleManager) ImportRules(ctx context.Context, orgID uint, data []byte) ([]models.EscalationRule, error) {
	var rules []models.EscalationRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, apperr.Validation("failed to parse rules: %v", err)
	}

	err := rm.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rules {
			rule := &rules[i]
			rule.Model = gorm.Model{}
			rule.OrganizationID = orgID
			rule.LastTriggered = nil
			rule.TriggerCount = 0
			if err := validateRule(rule); err != nil {
				return fmt.Errorf("rule %q: %w", rule.Name, err)
			}
			if err := tx.Create(rule).Error; err != nil {
				return fmt.Errorf("failed to import rule '%s': %w", rule.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// ExportRules renders an organization's rules as indented JSON.
func (rm *RuleManager) ExportRules(ctx context.Context, orgID uint) ([]byte, error) {
	rules, err := rm.ListRules(ctx, orgID, nil)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rules: %w", err)
	}
	return data, nil
}
