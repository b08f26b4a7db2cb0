package app

import (
	"context"
	"errors"
	"fmt"

	"crewline/internal/config"
	"crewline/internal/repo"
)

// ResolveProjectAndConfig picks the working project and loads config for it.
// Precedence: explicit flag, then crewline.yml, then the single project in
// the database. An empty project id is allowed when the store has no
// projects yet.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectFlag string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	projectID := projectFlag
	if projectID == "" && cfg != nil {
		projectID = cfg.Project.ID
	}
	if projectID == "" {
		p, err := r.SingleProject(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				projectID = ""
			} else {
				return "", nil, err
			}
		} else {
			projectID = p.ID
		}
	} else {
		if _, err := r.GetProject(ctx, projectID); err != nil {
			return "", nil, fmt.Errorf("project %s: %w", projectID, err)
		}
	}

	if cfg == nil {
		cfg = config.Default(projectID)
	}
	return projectID, cfg, nil
}
