package cloudlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const driveFolderMime = "application/vnd.google-apps.folder"

// DriveStore keeps the log in a Google Drive account. Folder and object ids
// are Drive file ids.
type DriveStore struct {
	mu              sync.Mutex
	credentialsJSON []byte
	pageSize        int64
	svc             *drive.Service
}

func NewDriveStore(credentialsJSON []byte, pageSize int) *DriveStore {
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 1000
	}
	return &DriveStore{credentialsJSON: credentialsJSON, pageSize: int64(pageSize)}
}

func (d *DriveStore) credentials(ctx context.Context) (*google.Credentials, error) {
	if len(bytes.TrimSpace(d.credentialsJSON)) > 0 {
		return google.CredentialsFromJSON(ctx, d.credentialsJSON, drive.DriveFileScope)
	}
	return google.FindDefaultCredentials(ctx, drive.DriveFileScope)
}

// Authorize builds the Drive client. With force, the credentials are reloaded
// so a fresh access token is minted instead of reusing the cached one.
func (d *DriveStore) Authorize(ctx context.Context, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.svc != nil && !force {
		return nil
	}
	creds, err := d.credentials(ctx)
	if err != nil {
		return fmt.Errorf("load drive credentials: %w", err)
	}
	ts := oauth2.ReuseTokenSource(nil, creds.TokenSource)
	if _, err := ts.Token(); err != nil {
		return driveError("fetch drive token", err)
	}
	svc, err := drive.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return fmt.Errorf("create drive service: %w", err)
	}
	d.svc = svc
	return nil
}

func (d *DriveStore) service() (*drive.Service, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.svc == nil {
		return nil, fmt.Errorf("drive not authorized: %w", ErrUnauthorized)
	}
	return d.svc, nil
}

func (d *DriveStore) FindFolder(ctx context.Context, name, parentId string) (string, bool, error) {
	svc, err := d.service()
	if err != nil {
		return "", false, err
	}
	q := fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false", escapeQuery(name), driveFolderMime)
	if parentId != "" {
		q += fmt.Sprintf(" and '%s' in parents", escapeQuery(parentId))
	}
	list, err := svc.Files.List().Q(q).Fields("files(id, name)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", false, driveError("find folder "+name, err)
	}
	if len(list.Files) == 0 {
		return "", false, nil
	}
	return list.Files[0].Id, true, nil
}

func (d *DriveStore) EnsureFolder(ctx context.Context, name, parentId string) (string, error) {
	if id, ok, err := d.FindFolder(ctx, name, parentId); err != nil || ok {
		return id, err
	}
	svc, err := d.service()
	if err != nil {
		return "", err
	}
	folder := &drive.File{Name: name, MimeType: driveFolderMime}
	if parentId != "" {
		folder.Parents = []string{parentId}
	}
	created, err := svc.Files.Create(folder).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", driveError("create folder "+name, err)
	}
	return created.Id, nil
}

func (d *DriveStore) List(ctx context.Context, folderId string, createdAfter *time.Time, pageToken string) (Page, error) {
	svc, err := d.service()
	if err != nil {
		return Page{}, err
	}
	q := fmt.Sprintf("'%s' in parents and trashed = false and mimeType != '%s'", escapeQuery(folderId), driveFolderMime)
	if createdAfter != nil {
		q += fmt.Sprintf(" and createdTime > '%s'", createdAfter.UTC().Format(time.RFC3339))
	}
	call := svc.Files.List().
		Q(q).
		Fields("nextPageToken, files(id, name, createdTime, modifiedTime)").
		OrderBy("name").
		PageSize(d.pageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	list, err := call.Do()
	if err != nil {
		return Page{}, driveError("list folder "+folderId, err)
	}
	page := Page{NextPageToken: list.NextPageToken}
	for _, f := range list.Files {
		obj := Object{Id: f.Id, Name: f.Name, CreatedAt: parseDriveTime(f.CreatedTime), ModifiedAt: parseDriveTime(f.ModifiedTime)}
		// createdTime filters at second precision server-side
		if createdAfter != nil && !obj.CreatedAt.IsZero() && !obj.CreatedAt.After(*createdAfter) {
			continue
		}
		page.Objects = append(page.Objects, obj)
	}
	return page, nil
}

func (d *DriveStore) Read(ctx context.Context, id string) ([]byte, error) {
	svc, err := d.service()
	if err != nil {
		return nil, err
	}
	resp, err := svc.Files.Get(id).Context(ctx).Download()
	if err != nil {
		return nil, driveError("download "+id, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", id, err)
	}
	return b, nil
}

func (d *DriveStore) Write(ctx context.Context, folderId, name string, body []byte) (string, error) {
	svc, err := d.service()
	if err != nil {
		return "", err
	}
	file := &drive.File{Name: name, MimeType: "application/json", Parents: []string{folderId}}
	created, err := svc.Files.Create(file).
		Media(bytes.NewReader(body), googleapi.ContentType("application/json")).
		Fields("id").
		Context(ctx).
		Do()
	if err != nil {
		return "", driveError("upload "+name, err)
	}
	return created.Id, nil
}

func driveError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %v", op, ErrUnauthorized, err)
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
		}
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnauthorized, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func parseDriveTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
