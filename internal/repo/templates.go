package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"reviewline/internal/template"
)

// The template table holds a single row (id=1). Saving replaces the whole
// payload; projects that already started keep their materialized copies.

func (r Repo) GetTemplate(ctx context.Context) (*template.Template, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT payload_json FROM templates WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var t template.Template
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	return &t, nil
}

func (r Repo) GetTemplateTx(ctx context.Context, tx *sql.Tx) (*template.Template, error) {
	var payload string
	err := tx.QueryRowContext(ctx, `SELECT payload_json FROM templates WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var t template.Template
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	return &t, nil
}

func (r Repo) SaveTemplate(ctx context.Context, t *template.Template, modifiedBy, updatedAt string) error {
	if t == nil {
		return fmt.Errorf("template nil")
	}
	if err := t.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO templates(id,name,payload_json,modified_by,updated_at) VALUES (1,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, payload_json=excluded.payload_json, modified_by=excluded.modified_by, updated_at=excluded.updated_at`,
		t.Name, string(payload), nullable(modifiedBy), updatedAt)
	return err
}
