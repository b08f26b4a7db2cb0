package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/events"
)

// TemplateStep is one task spec inside a template definition. DependsOn
// names sibling steps by position.
type TemplateStep struct {
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description" json:"description,omitempty"`
	AssigneeID  string `yaml:"assignee_id" json:"assignee_id,omitempty"`
	Priority    string `yaml:"priority" json:"priority,omitempty"`
	DependsOn   []int  `yaml:"depends_on" json:"depends_on,omitempty"`
}

// TemplateDefinition is the import shape for cl template import and the
// create-template API body.
type TemplateDefinition struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Tasks       []TemplateStep `yaml:"tasks" json:"tasks"`
}

func (def TemplateDefinition) validate() error {
	if def.Name == "" {
		return errors.New("template name is required")
	}
	if len(def.Tasks) == 0 {
		return errors.New("template has no tasks")
	}
	for i, step := range def.Tasks {
		if step.Title == "" {
			return fmt.Errorf("step %d: title is required", i+1)
		}
		switch step.Priority {
		case "", "low", "medium", "high", "urgent":
		default:
			return fmt.Errorf("step %d: invalid priority %q", i+1, step.Priority)
		}
		for _, dep := range step.DependsOn {
			// Steps may only depend on earlier steps. Positions are 1-based.
			if dep < 1 || dep > i {
				return fmt.Errorf("step %d: depends_on %d out of range", i+1, dep)
			}
		}
	}
	return nil
}

// CreateTemplate persists a template and its steps.
func (a Engine) CreateTemplate(ctx context.Context, def TemplateDefinition, actorID string) (domain.WorkflowTemplate, error) {
	if err := def.validate(); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	tx, err := a.Core.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowTemplate{}, err
	}
	defer tx.Rollback()

	tmpl := domain.WorkflowTemplate{
		ID:          engine.NewID("tpl"),
		Name:        def.Name,
		Description: def.Description,
		CreatedAt:   a.Core.Now().UTC().Format(time.RFC3339),
	}
	if err := a.Core.Repo.InsertTemplate(ctx, tx, tmpl); err != nil {
		return domain.WorkflowTemplate{}, fmt.Errorf("insert template: %w", err)
	}
	for i, step := range def.Tasks {
		priority := step.Priority
		if priority == "" {
			priority = a.Core.Config.TaskPriority()
		}
		tt := domain.TemplateTask{
			ID:              engine.NewID("tts"),
			TemplateID:      tmpl.ID,
			Position:        i + 1,
			Title:           step.Title,
			Description:     step.Description,
			Priority:        priority,
			DependsOnOrders: step.DependsOn,
		}
		if step.AssigneeID != "" {
			assignee := step.AssigneeID
			if _, err := a.Core.Repo.GetAgent(ctx, assignee); err != nil {
				return domain.WorkflowTemplate{}, fmt.Errorf("step %d assignee: %w", i+1, err)
			}
			tt.AssigneeID = &assignee
		}
		if err := a.Core.Repo.InsertTemplateTask(ctx, tx, tt); err != nil {
			return domain.WorkflowTemplate{}, fmt.Errorf("insert template step: %w", err)
		}
	}
	if err := a.Core.Events.Append(ctx, tx, events.Record{
		EntityType: "template",
		EntityID:   tmpl.ID,
		EventType:  "template_created",
		ActorID:    actorID,
	}); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	return tmpl, nil
}

// ImportTemplateYAML parses a YAML template definition and persists it.
func (a Engine) ImportTemplateYAML(ctx context.Context, data []byte, actorID string) (domain.WorkflowTemplate, error) {
	var def TemplateDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return domain.WorkflowTemplate{}, fmt.Errorf("invalid template yaml: %w", err)
	}
	return a.CreateTemplate(ctx, def, actorID)
}
