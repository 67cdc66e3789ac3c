package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/saashqdev/delightful-sub003/internal/model"
)

// CreateProject creates a new project.
func (r *Repository) CreateProject(ctx context.Context, p model.Project) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO projects (id, owner_id, work_dir) VALUES (?, ?, ?)`, p.ID, p.OwnerID, p.WorkDir)
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("project %s: %w", p.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert project: %w", err)
	}

	return nil
}

// GetProject retrieves a project by ID.
func (r *Repository) GetProject(ctx context.Context, id string) (*model.Project, error) {
	var p model.Project
	err := r.db.QueryRowContext(ctx, `SELECT id, owner_id, work_dir FROM projects WHERE id = ?`, id).Scan(&p.ID, &p.OwnerID, &p.WorkDir)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("project %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query project: %w", err)
	}

	return &p, nil
}

const fileColumns = `id, project_id, parent_id, name, key, is_dir, size, topic_id, created_at, updated_at`

// CreateFile creates a new file record, keys are unique per project.
func (r *Repository) CreateFile(ctx context.Context, f model.File) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid file: %w", err)
	}

	query := `INSERT INTO files (` + fileColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		f.ID, f.ProjectID, f.ParentID, f.Name, f.Key, f.IsDir, f.Size, f.TopicID, toUnix(f.CreatedAt), toUnix(f.UpdatedAt),
	)
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("file %s (%s): %w", f.ID, f.Key, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert file: %w", err)
	}

	return nil
}

// GetFile retrieves a file by ID.
func (r *Repository) GetFile(ctx context.Context, id string) (*model.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = ?`

	f, err := scanFile(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("file %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query file: %w", err)
	}

	return f, nil
}

// GetFileByKey retrieves a file of a project by its object key.
func (r *Repository) GetFileByKey(ctx context.Context, projectID, key string) (*model.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE project_id = ? AND key = ?`

	f, err := scanFile(r.db.QueryRowContext(ctx, query, projectID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("file with key %s: %w", key, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query file: %w", err)
	}

	return f, nil
}

// ListChildren returns the direct children of a directory sorted by name.
func (r *Repository) ListChildren(ctx context.Context, parentID string) ([]model.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE parent_id = ? ORDER BY name ASC`

	rows, err := r.db.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("could not query files: %w", err)
	}
	defer rows.Close()

	var files []model.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		files = append(files, *f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return files, nil
}

// UpdateFile updates an existing file record.
func (r *Repository) UpdateFile(ctx context.Context, f model.File) error {
	query := `
		UPDATE files
		SET
			project_id = ?,
			parent_id = ?,
			name = ?,
			key = ?,
			is_dir = ?,
			size = ?,
			topic_id = ?,
			updated_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		f.ProjectID, f.ParentID, f.Name, f.Key, f.IsDir, f.Size, f.TopicID, toUnix(f.UpdatedAt), f.ID,
	)
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("file with key %s: %w", f.Key, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not update file: %w", err)
	}

	return checkAffected(result, "file", f.ID)
}

// DeleteFile deletes a file record.
func (r *Repository) DeleteFile(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("could not delete file: %w", err)
	}

	return checkAffected(result, "file", id)
}

func scanFile(s scanner) (*model.File, error) {
	var f model.File
	var createdAt, updatedAt int64
	err := s.Scan(
		&f.ID,
		&f.ProjectID,
		&f.ParentID,
		&f.Name,
		&f.Key,
		&f.IsDir,
		&f.Size,
		&f.TopicID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.CreatedAt = timeFromUnix(createdAt)
	f.UpdatedAt = timeFromUnix(updatedAt)

	return &f, nil
}
