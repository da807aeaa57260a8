// Package cloudlog adapts general-purpose cloud file storage into the
// append-only event log and snapshot folders the sync engine reads and writes.
package cloudlog

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnauthorized is returned when the backend rejects the current credential.
	ErrUnauthorized = errors.New("remote store: unauthorized")
	ErrNotFound     = errors.New("remote store: not found")
)

// Object is the listing view of a remote object; bodies are read separately.
type Object struct {
	Id         string
	Name       string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

type Page struct {
	Objects       []Object
	NextPageToken string
}

// Store is the remote object store the engine consumes. Folder ids are opaque;
// an empty parentId means the store root.
type Store interface {
	// Authorize makes sure a usable credential is loaded. force discards any
	// cached token first.
	Authorize(ctx context.Context, force bool) error
	EnsureFolder(ctx context.Context, name, parentId string) (string, error)
	FindFolder(ctx context.Context, name, parentId string) (id string, found bool, err error)
	// List returns one page of the objects directly inside folderId. When
	// createdAfter is set only objects created strictly after it are returned.
	List(ctx context.Context, folderId string, createdAfter *time.Time, pageToken string) (Page, error)
	Read(ctx context.Context, id string) ([]byte, error)
	Write(ctx context.Context, folderId, name string, body []byte) (string, error)
}

// ListAll follows pagination to exhaustion.
func ListAll(ctx context.Context, s Store, folderId string, createdAfter *time.Time) ([]Object, error) {
	var (
		all   []Object
		token string
	)
	for {
		page, err := s.List(ctx, folderId, createdAfter, token)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Objects...)
		if page.NextPageToken == "" || page.NextPageToken == token {
			return all, nil
		}
		token = page.NextPageToken
	}
}

func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
