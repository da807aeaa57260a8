package cloudlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// folderMarker is written inside every folder so empty folders can be found.
const folderMarker = ".folder"

// GCSStore keeps the log in a Cloud Storage bucket. Folders are key prefixes
// ending in "/" and object ids are full object keys.
type GCSStore struct {
	mu              sync.Mutex
	bucket          string
	root            string
	credentialsJSON string
	pageSize        int
	client          *storage.Client
}

func NewGCSStore(bucket, root, credentialsJSON string, pageSize int) *GCSStore {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &GCSStore{bucket: bucket, root: prefixPath(root), credentialsJSON: credentialsJSON, pageSize: pageSize}
}

func (g *GCSStore) Authorize(ctx context.Context, force bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil && !force {
		return nil
	}
	if g.client != nil {
		_ = g.client.Close()
		g.client = nil
	}
	var opts []option.ClientOption
	if strings.TrimSpace(g.credentialsJSON) != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(g.credentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(g.bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return gcsError("gcs bucket "+g.bucket, err)
	}
	g.client = client
	return nil
}

func (g *GCSStore) bucketHandle() (*storage.BucketHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil, fmt.Errorf("gcs not authorized: %w", ErrUnauthorized)
	}
	return g.client.Bucket(g.bucket), nil
}

func (g *GCSStore) folderKey(name, parentId string) string {
	if parentId == "" {
		parentId = g.root
	}
	return parentId + strings.Trim(name, "/") + "/"
}

func (g *GCSStore) FindFolder(ctx context.Context, name, parentId string) (string, bool, error) {
	bkt, err := g.bucketHandle()
	if err != nil {
		return "", false, err
	}
	key := g.folderKey(name, parentId)
	it := bkt.Objects(ctx, &storage.Query{Prefix: key})
	if _, err := it.Next(); err != nil {
		if errors.Is(err, iterator.Done) {
			return "", false, nil
		}
		return "", false, gcsError("find folder "+key, err)
	}
	return key, true, nil
}

func (g *GCSStore) EnsureFolder(ctx context.Context, name, parentId string) (string, error) {
	if key, ok, err := g.FindFolder(ctx, name, parentId); err != nil || ok {
		return key, err
	}
	bkt, err := g.bucketHandle()
	if err != nil {
		return "", err
	}
	key := g.folderKey(name, parentId)
	w := bkt.Object(key + folderMarker).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		// a concurrent creator won the precondition
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return key, nil
		}
		return "", gcsError("create folder "+key, err)
	}
	return key, nil
}

func (g *GCSStore) List(ctx context.Context, folderId string, createdAfter *time.Time, pageToken string) (Page, error) {
	bkt, err := g.bucketHandle()
	if err != nil {
		return Page{}, err
	}
	it := bkt.Objects(ctx, &storage.Query{Prefix: folderId, Delimiter: "/"})
	var attrs []*storage.ObjectAttrs
	next, err := iterator.NewPager(it, g.pageSize, pageToken).NextPage(&attrs)
	if err != nil {
		return Page{}, gcsError("list "+folderId, err)
	}
	page := Page{NextPageToken: next}
	for _, a := range attrs {
		if a.Prefix != "" || strings.HasSuffix(a.Name, "/"+folderMarker) {
			continue
		}
		if createdAfter != nil && !a.Created.After(*createdAfter) {
			continue
		}
		page.Objects = append(page.Objects, Object{
			Id:         a.Name,
			Name:       path.Base(a.Name),
			CreatedAt:  a.Created.UTC(),
			ModifiedAt: a.Updated.UTC(),
		})
	}
	return page, nil
}

func (g *GCSStore) Read(ctx context.Context, id string) ([]byte, error) {
	bkt, err := g.bucketHandle()
	if err != nil {
		return nil, err
	}
	r, err := bkt.Object(id).NewReader(ctx)
	if err != nil {
		return nil, gcsError("read "+id, err)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", id, err)
	}
	return b, nil
}

func (g *GCSStore) Write(ctx context.Context, folderId, name string, body []byte) (string, error) {
	bkt, err := g.bucketHandle()
	if err != nil {
		return "", err
	}
	key := folderId + name
	w := bkt.Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", gcsError("upload "+key, err)
	}
	if err := w.Close(); err != nil {
		return "", gcsError("upload "+key, err)
	}
	return key, nil
}

func gcsError(op string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w: %v", op, ErrUnauthorized, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func prefixPath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return p + "/"
}
