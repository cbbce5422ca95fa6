package usecase

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/ctrldsync/internal/domain"
)

func samplePlan() *domain.SyncPlan {
	multi := &domain.RuleListDocument{
		Folder: domain.FolderSpec{Name: "Mixed"},
		RuleSets: []domain.ActionedRuleSet{
			{Action: domain.ActionBlock, Status: 1, Rules: []string{"a.com", "b.com"}},
			{Action: domain.ActionAllow, Status: 0, Rules: []string{"c.com"}},
		},
	}
	return BuildPlan("p1", []*domain.RuleListDocument{legacyDoc("A", hostnames("a", 10)...), multi})
}

func TestBuildPlan(t *testing.T) {
	plan := samplePlan()

	assert.Equal(t, "p1", plan.Profile)
	require.Len(t, plan.Folders, 2)

	legacy := plan.Folders[0]
	assert.Equal(t, "A", legacy.Name)
	assert.Equal(t, 10, legacy.Rules)
	require.NotNil(t, legacy.Action)
	assert.Equal(t, domain.ActionBlock, *legacy.Action)
	require.NotNil(t, legacy.Status)
	assert.Equal(t, 1, *legacy.Status)
	assert.Empty(t, legacy.RuleGroups)

	mixed := plan.Folders[1]
	assert.Equal(t, 3, mixed.Rules)
	assert.Nil(t, mixed.Action)
	assert.Equal(t, []domain.PlanRuleGroup{
		{Rules: 2, Action: domain.ActionBlock, Status: 1},
		{Rules: 1, Action: domain.ActionAllow, Status: 0},
	}, mixed.RuleGroups)

	assert.Equal(t, 13, plan.TotalRules())
}

func TestWritePlans(t *testing.T) {
	plans := []*domain.SyncPlan{samplePlan()}

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WritePlans(&buf, plans, PlanFormatJSON))

		var decoded []domain.SyncPlan
		require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
		require.Len(t, decoded, 1)
		assert.Equal(t, *plans[0], decoded[0])
		assert.Contains(t, buf.String(), `"rule_groups"`)
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WritePlans(&buf, plans, PlanFormatYAML))

		var decoded []domain.SyncPlan
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
		require.Len(t, decoded, 1)
		assert.Equal(t, "Mixed", decoded[0].Folders[1].Name)
		assert.Equal(t, 3, decoded[0].Folders[1].Rules)
	})

	t.Run("empty is an empty array", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WritePlans(&buf, nil, ""))
		assert.Equal(t, "[]\n", buf.String())
	})

	t.Run("unknown format", func(t *testing.T) {
		assert.Error(t, WritePlans(&bytes.Buffer{}, plans, "xml"))
	})
}
