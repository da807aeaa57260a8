package cloudlog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/books_sync/config"
	"github.com/juju/clock"
)

const (
	ProviderDrive  = "drive"
	ProviderGCS    = "gcs"
	ProviderS3     = "s3"
	ProviderMemory = "memory"
)

// GetRemoteStoreProvider reads REMOTE_STORE, defaulting to Google Drive.
func GetRemoteStoreProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("REMOTE_STORE")))
	if provider == "" {
		return ProviderDrive
	}
	return provider
}

// NewFromEnv builds the Store selected by REMOTE_STORE. Credentials are not
// checked here; the engine calls Authorize before first use.
func NewFromEnv(settings config.SyncSettings) (Store, error) {
	switch provider := GetRemoteStoreProvider(); provider {
	case ProviderDrive:
		return NewDriveStore([]byte(os.Getenv("GOOGLE_CREDENTIALS_JSON")), settings.ListPageSize), nil
	case ProviderGCS:
		bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
		if bucket == "" {
			return nil, errors.New("GCS_BUCKET is required")
		}
		return NewGCSStore(bucket, os.Getenv("GCS_PREFIX"), os.Getenv("GCS_CREDENTIALS_JSON"), settings.ListPageSize), nil
	case ProviderS3:
		bucket := strings.TrimSpace(os.Getenv("S3_BUCKET"))
		if bucket == "" {
			return nil, errors.New("S3_BUCKET is required")
		}
		return NewS3Store(S3Config{
			Bucket:          bucket,
			Region:          os.Getenv("S3_REGION"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			Prefix:          os.Getenv("S3_PREFIX"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
			UsePathStyle:    config.EnvBool("S3_USE_PATH_STYLE", false),
			PageSize:        settings.ListPageSize,
		}), nil
	case ProviderMemory:
		return NewMemoryStore(clock.WallClock, settings.ListPageSize), nil
	default:
		return nil, fmt.Errorf("unsupported REMOTE_STORE %q", provider)
	}
}
