package usecase

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/ctrldsync/internal/domain"
)

// Plan output formats.
const (
	PlanFormatJSON = "json"
	PlanFormatYAML = "yaml"
)

// BuildPlan derives the per-profile plan from fetched documents, in order.
// Legacy documents report the folder action; multi-action documents report
// a per-rule-set breakdown.
func BuildPlan(profile string, docs []*domain.RuleListDocument) *domain.SyncPlan {
	plan := &domain.SyncPlan{Profile: profile, Folders: make([]domain.PlanFolder, 0, len(docs))}
	for _, doc := range docs {
		f := domain.PlanFolder{Name: doc.Folder.Name, Rules: doc.RuleCount()}
		if doc.Legacy {
			action, status := doc.Folder.Action, doc.Folder.Status
			f.Action = &action
			f.Status = &status
		} else {
			f.RuleGroups = make([]domain.PlanRuleGroup, 0, len(doc.RuleSets))
			for _, rs := range doc.RuleSets {
				f.RuleGroups = append(f.RuleGroups, domain.PlanRuleGroup{
					Rules:  len(rs.Rules),
					Action: rs.Action,
					Status: rs.Status,
				})
			}
		}
		plan.Folders = append(plan.Folders, f)
	}
	return plan
}

// WritePlans writes all plans as a JSON array or YAML sequence.
func WritePlans(w io.Writer, plans []*domain.SyncPlan, format string) error {
	if plans == nil {
		plans = []*domain.SyncPlan{}
	}
	switch format {
	case "", PlanFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(plans)
	case PlanFormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(plans); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown plan format %q", format)
	}
}
