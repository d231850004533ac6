package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reviewline/internal/repo"
	"reviewline/internal/template"
)

// ResolveProject picks the active project for CLI commands: an explicit
// override wins, otherwise the single project in the workspace database.
func ResolveProject(ctx context.Context, projectOverride string, r repo.Repo) (string, error) {
	if projectOverride != "" {
		if _, err := r.GetProject(ctx, projectOverride); err != nil {
			return "", err
		}
		return projectOverride, nil
	}
	items, err := r.ListProjects(ctx, repo.ProjectFilters{})
	if err != nil {
		return "", err
	}
	switch len(items) {
	case 0:
		return "", fmt.Errorf("no projects in workspace; run 'rvl project create'")
	case 1:
		return items[0].ID, nil
	default:
		return "", fmt.Errorf("multiple projects exist; specify --project")
	}
}

// EnsureTemplate seeds the built-in template when the workspace has none, so
// a fresh workspace can start projects without an import step.
func EnsureTemplate(ctx context.Context, r repo.Repo, actorID string) (*template.Template, error) {
	t, err := r.GetTemplate(ctx)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	t = template.Default()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.SaveTemplate(ctx, t, actorID, now); err != nil {
		return nil, fmt.Errorf("seed default template: %w", err)
	}
	return t, nil
}
