package filestore

import (
	"context"
	"io"
	"time"

	"github.com/saashqdev/delightful-sub003/internal/model"
)

// Service resolves, uploads and downloads objects by key.
type Service interface {
	// Stat returns model.ErrNotFound when the object does not exist.
	Stat(ctx context.Context, key string) (*model.ObjectInfo, error)
	Put(ctx context.Context, key string, r io.Reader) (*model.ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Copy(ctx context.Context, srcKey, dstKey string) error
	Delete(ctx context.Context, key string) error
	// IssueCredential returns a temporary credential to upload under prefix.
	IssueCredential(ctx context.Context, prefix string, ttl time.Duration) (*model.UploadCredential, error)
}
