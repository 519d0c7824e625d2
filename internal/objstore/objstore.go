// Package objstore provides the object-store adapter the flush and
// checkpoint paths write through.
//
// Production deployments use the S3-compatible adapter; when no bucket
// is configured the filesystem adapter keeps the system in local-only
// mode, mirroring how snapshots degrade elsewhere in the stack. The
// in-memory adapter backs tests.
package objstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and Head for missing keys.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Adapter is the minimal object-store surface the core consumes.
type Adapter interface {
	// PutObject writes body under key, replacing any existing object.
	// An empty contentType defaults to application/octet-stream.
	PutObject(ctx context.Context, key string, body []byte, contentType string) error

	// GetObject reads the object at key. Missing keys fail with
	// ErrNotFound.
	GetObject(ctx context.Context, key string) ([]byte, error)

	// HeadObject returns metadata without the body. Missing keys fail
	// with ErrNotFound.
	HeadObject(ctx context.Context, key string) (ObjectInfo, error)

	// ListObjects returns every object whose key starts with prefix.
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// DeleteObject removes one object. Deleting a missing key is not
	// an error.
	DeleteObject(ctx context.Context, key string) error

	// DeleteObjects removes a batch of objects.
	DeleteObjects(ctx context.Context, keys []string) error
}

const defaultContentType = "application/octet-stream"
