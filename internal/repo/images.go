package repo

import (
	"context"
	"database/sql"

	"reviewline/internal/domain"
)

func (r Repo) InsertImage(ctx context.Context, img domain.Image) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO images(id,question_id,role,filename,content_type,data,created_at) VALUES (?,?,?,?,?,?,?)`,
		img.ID, img.QuestionID, img.Role, img.Filename, img.ContentType, img.Data, img.CreatedAt)
	return err
}

func (r Repo) GetImage(ctx context.Context, id string) (domain.Image, error) {
	var img domain.Image
	err := r.DB.QueryRowContext(ctx, `SELECT id,question_id,role,filename,content_type,data,created_at FROM images WHERE id=?`, id).
		Scan(&img.ID, &img.QuestionID, &img.Role, &img.Filename, &img.ContentType, &img.Data, &img.CreatedAt)
	if err == sql.ErrNoRows {
		return img, ErrNotFound
	}
	return img, err
}

// ListImages returns attachment metadata for a question and role without the
// blob payloads.
func (r Repo) ListImages(ctx context.Context, questionID, role string) ([]domain.Image, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,question_id,role,filename,content_type,created_at FROM images WHERE question_id=? AND role=? ORDER BY created_at ASC, id ASC`, questionID, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Image
	for rows.Next() {
		var img domain.Image
		if err := rows.Scan(&img.ID, &img.QuestionID, &img.Role, &img.Filename, &img.ContentType, &img.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, img)
	}
	return res, rows.Err()
}

func (r Repo) DeleteImage(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM images WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
