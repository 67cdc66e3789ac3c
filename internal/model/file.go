package model

import (
	"fmt"
	"path"
	"time"
)

// Project groups the files of a workspace.
type Project struct {
	ID      string
	OwnerID string
	WorkDir string
}

// File is a file or directory record of a project.
type File struct {
	ID        string
	ProjectID string
	// ParentID is empty for project root entries.
	ParentID string
	Name     string
	// Key is the object key on the file service, directories end with "/".
	Key       string
	IsDir     bool
	Size      int64
	TopicID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate validates the file record.
func (f File) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("file id is required: %w", ErrNotValid)
	}
	if f.ProjectID == "" {
		return fmt.Errorf("file project id is required: %w", ErrNotValid)
	}
	if f.Key == "" {
		return fmt.Errorf("file key is required: %w", ErrNotValid)
	}
	return nil
}

// FileKeyName returns the name of an object key.
func FileKeyName(key string) string {
	return path.Base(key)
}

// ObjectInfo is the metadata of an object on the file service.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// UploadCredential is the temporary credential a sandbox uses to upload files.
type UploadCredential struct {
	Bucket    string    `json:"bucket"`
	Prefix    string    `json:"prefix"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}
