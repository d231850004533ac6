package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"reviewline/internal/domain"
)

// ImageUploadOptions carry one attachment for a question side.
type ImageUploadOptions struct {
	QuestionID  string
	Role        string
	Filename    string
	ContentType string
	Data        []byte
	ActorID     string
}

func (e Engine) SaveImage(ctx context.Context, opts ImageUploadOptions) (domain.Image, error) {
	if opts.Role != domain.RoleExecutor && opts.Role != domain.RoleReviewer {
		return domain.Image{}, fmt.Errorf("%w: %q", ErrInvalidRole, opts.Role)
	}
	if opts.QuestionID == "" {
		return domain.Image{}, errors.New("question id is required")
	}
	if len(opts.Data) == 0 {
		return domain.Image{}, errors.New("empty image payload")
	}
	if opts.ContentType == "" {
		opts.ContentType = "application/octet-stream"
	}
	img := domain.Image{
		ID:          uuid.NewString(),
		QuestionID:  opts.QuestionID,
		Role:        opts.Role,
		Filename:    opts.Filename,
		ContentType: opts.ContentType,
		Data:        opts.Data,
		CreatedAt:   e.ts(),
	}
	if err := e.Repo.InsertImage(ctx, img); err != nil {
		return domain.Image{}, err
	}
	return img, nil
}

func (e Engine) Image(ctx context.Context, id string) (domain.Image, error) {
	return e.Repo.GetImage(ctx, id)
}

func (e Engine) QuestionImages(ctx context.Context, questionID, role string) ([]domain.Image, error) {
	if role != domain.RoleExecutor && role != domain.RoleReviewer {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return e.Repo.ListImages(ctx, questionID, role)
}

func (e Engine) RemoveImage(ctx context.Context, id string) error {
	return e.Repo.DeleteImage(ctx, id)
}
