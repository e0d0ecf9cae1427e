package escalation

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storehealth/internal/apperr"
	"github.com/storehealth/internal/database"
	"github.com/storehealth/internal/models"
	"github.com/storehealth/internal/seed"
)

func setupRules(t *testing.T) (*RuleManager, *seed.Demo) {
	t.Helper()
	db, err := database.OpenMemory(strings.ReplaceAll(t.Name(), "/", "_"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	demo, err := seed.Create(db, "RU")
	require.NoError(t, err)
	return NewRuleManager(db), demo
}

func TestCreateRuleValidation(t *testing.T) {
	rm, demo := setupRules(t)
	ctx := context.Background()

	valid := func() models.EscalationRule {
		return models.EscalationRule{
			OrganizationID:   demo.Organization.ID,
			Name:             "Fast track",
			TriggerCondition: models.TriggerSLABreach,
			DurationHours:    4,
			FromLevel:        1,
			ToLevel:          2,
			Action:           models.ActionCreateTask,
			IsActive:         true,
		}
	}

	cases := map[string]func(r *models.EscalationRule){
		"no name":        func(r *models.EscalationRule) { r.Name = "" },
		"no org":         func(r *models.EscalationRule) { r.OrganizationID = 0 },
		"moves down":     func(r *models.EscalationRule) { r.ToLevel = 1 },
		"past max level": func(r *models.EscalationRule) { r.ToLevel = 5 },
		"bad trigger":    func(r *models.EscalationRule) { r.TriggerCondition = "status_blue" },
		"bad action":     func(r *models.EscalationRule) { r.Action = "fax" },
		"negative hours": func(r *models.EscalationRule) { r.DurationHours = -1 },
	}
	for name, mutate := range cases {
		rule := valid()
		mutate(&rule)
		err := rm.CreateRule(ctx, &rule)
		assert.True(t, apperr.IsValidation(err), name)
	}

	rule := valid()
	require.NoError(t, rm.CreateRule(ctx, &rule))
	assert.NotZero(t, rule.ID)
}

func TestRuleLifecycle(t *testing.T) {
	rm, demo := setupRules(t)
	ctx := context.Background()

	rules, err := rm.ListRules(ctx, demo.Organization.ID, nil)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, 1, rules[0].FromLevel)

	require.NoError(t, rm.DisableRule(ctx, rules[0].ID))
	active := true
	enabled, err := rm.ListRules(ctx, demo.Organization.ID, &active)
	require.NoError(t, err)
	assert.Len(t, enabled, 2)

	require.NoError(t, rm.EnableRule(ctx, rules[0].ID))
	enabled, err = rm.ListRules(ctx, demo.Organization.ID, &active)
	require.NoError(t, err)
	assert.Len(t, enabled, 3)

	update := rules[1]
	update.DurationHours = 12
	update.TriggerCount = 99
	require.NoError(t, rm.UpdateRule(ctx, &update))
	got, err := rm.GetRule(ctx, update.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, got.DurationHours)
	assert.Zero(t, got.TriggerCount)

	require.NoError(t, rm.DeleteRule(ctx, update.ID))
	_, err = rm.GetRule(ctx, update.ID)
	assert.True(t, apperr.IsNotFound(err))
	assert.True(t, apperr.IsNotFound(rm.DeleteRule(ctx, update.ID)))
	assert.True(t, apperr.IsNotFound(rm.EnableRule(ctx, 9999)))
}

func TestCreateDefaultRules(t *testing.T) {
	rm, demo := setupRules(t)
	ctx := context.Background()

	_, err := rm.CreateDefaultRules(ctx, demo.Organization.ID)
	assert.True(t, apperr.IsConflict(err))

	org := models.Organization{Name: "Fresh", Code: "FR"}
	require.NoError(t, rm.db.Create(&org).Error)
	rules, err := rm.CreateDefaultRules(ctx, org.ID)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	for _, r := range rules {
		assert.Equal(t, org.ID, r.OrganizationID)
		assert.True(t, r.IsActive)
	}
}

func TestExportImportRules(t *testing.T) {
	rm, demo := setupRules(t)
	ctx := context.Background()

	data, err := rm.ExportRules(ctx, demo.Organization.ID)
	require.NoError(t, err)

	var exported []models.EscalationRule
	require.NoError(t, json.Unmarshal(data, &exported))
	require.Len(t, exported, 3)

	org := models.Organization{Name: "Copy", Code: "CP"}
	require.NoError(t, rm.db.Create(&org).Error)
	imported, err := rm.ImportRules(ctx, org.ID, data)
	require.NoError(t, err)
	require.Len(t, imported, 3)
	for i, r := range imported {
		assert.Equal(t, org.ID, r.OrganizationID)
		assert.NotEqual(t, exported[i].ID, r.ID)
		assert.Equal(t, exported[i].Action, r.Action)
	}

	_, err = rm.ImportRules(ctx, org.ID, []byte("not json"))
	assert.True(t, apperr.IsValidation(err))

	bad := `[{"name":"ok","trigger_condition":"sla_breach","from_level":1,"to_level":2,"action":"send_alert"},
	         {"name":"broken","trigger_condition":"sla_breach","from_level":1,"to_level":2,"action":"fax"}]`
	_, err = rm.ImportRules(ctx, org.ID, []byte(bad))
	assert.True(t, apperr.IsValidation(err))

	rules, err := rm.ListRules(ctx, org.ID, nil)
	require.NoError(t, err)
	assert.Len(t, rules, 3)
}
