package lib

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/saashqdev/delightful-sub003/internal/model"
)

// RegisterProject stores an application project.
//
// Returns [ErrAlreadyExists] if a project with the same ID exists.
func (c *Client) RegisterProject(ctx context.Context, p Project) error {
	if p.ID == "" || p.OwnerID == "" {
		return fmt.Errorf("project id and owner are required: %w", ErrNotValid)
	}

	err := c.svcs.Repository.CreateProject(ctx, model.Project{ID: p.ID, OwnerID: p.OwnerID, WorkDir: p.WorkDir})
	return mapError(err)
}

// RegisterTopic stores a topic of a registered project.
//
// Returns [ErrNotFound] if the project does not exist, or [ErrAlreadyExists]
// if a topic with the same ID exists.
func (c *Client) RegisterTopic(ctx context.Context, t Topic) error {
	if t.ID == "" || t.UserID == "" {
		return fmt.Errorf("topic id and user are required: %w", ErrNotValid)
	}

	workDir := t.WorkDir
	if t.ProjectID != "" {
		p, err := c.svcs.Repository.GetProject(ctx, t.ProjectID)
		if err != nil {
			return mapError(err)
		}
		if workDir == "" {
			workDir = p.WorkDir
		}
	}

	now := time.Now().UTC()
	err := c.svcs.Repository.CreateTopic(ctx, model.Topic{
		ID:                 t.ID,
		ProjectID:          t.ProjectID,
		UserID:             t.UserID,
		OrganizationCode:   t.OrganizationCode,
		ChatConversationID: t.ChatConversationID,
		WorkDir:            workDir,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	return mapError(err)
}

// UploadFile stores the content on the object store and registers the file.
// Directories are registered without content.
func (c *Client) UploadFile(ctx context.Context, opts UploadFileOpts, content io.Reader) (*File, error) {
	if opts.IsDir != strings.HasSuffix(opts.Key, "/") {
		return nil, fmt.Errorf("only directory keys end with a slash: %q: %w", opts.Key, ErrNotValid)
	}
	if _, err := c.svcs.Repository.GetProject(ctx, opts.ProjectID); err != nil {
		return nil, mapError(err)
	}

	name := opts.Name
	if name == "" {
		name = model.FileKeyName(opts.Key)
	}
	now := time.Now().UTC()
	f := model.File{
		ID:        opts.ID,
		ProjectID: opts.ProjectID,
		ParentID:  opts.ParentID,
		Name:      name,
		Key:       opts.Key,
		IsDir:     opts.IsDir,
		TopicID:   opts.TopicID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.Validate(); err != nil {
		return nil, mapError(err)
	}

	if !f.IsDir {
		if content == nil {
			content = bytes.NewReader(nil)
		}
		info, err := c.svcs.FileStore.Put(ctx, f.Key, content)
		if err != nil {
			return nil, mapError(fmt.Errorf("could not store object: %w", err))
		}
		f.Size = info.Size
	}

	if err := c.svcs.Repository.CreateFile(ctx, f); err != nil {
		if !f.IsDir {
			if derr := c.svcs.FileStore.Delete(context.WithoutCancel(ctx), f.Key); derr != nil {
				c.logger.Warningf("Could not remove orphan object %s: %s", f.Key, derr)
			}
		}
		return nil, mapError(err)
	}

	res := fromInternalFile(f)
	return &res, nil
}

// GetFile returns a registered file.
func (c *Client) GetFile(ctx context.Context, id string) (*File, error) {
	f, err := c.svcs.Repository.GetFile(ctx, id)
	if err != nil {
		return nil, mapError(err)
	}

	res := fromInternalFile(*f)
	return &res, nil
}

// ReadFile returns the content of a registered file.
func (c *Client) ReadFile(ctx context.Context, id string) ([]byte, error) {
	f, err := c.svcs.Repository.GetFile(ctx, id)
	if err != nil {
		return nil, mapError(err)
	}
	if f.IsDir {
		return nil, fmt.Errorf("%s is a directory: %w", id, ErrNotValid)
	}

	r, err := c.svcs.FileStore.Get(ctx, f.Key)
	if err != nil {
		return nil, mapError(err)
	}
	defer r.Close()

	return io.ReadAll(r)
}
