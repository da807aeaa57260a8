package config

import (
	"os"
	"strings"
	"time"
)

// SyncSettings are the tunables of the sync engine.
//
// Set via env:
// - APP_NAME, SYNC_EVENTS_FOLDER
// - SYNC_BATCH_SIZE, SYNC_LIST_PAGE_SIZE, SYNC_DOWNLOAD_ATTEMPTS, SYNC_RETRY_BACKOFF_MS
// - SYNC_PUBLISH_TIMEOUT_SECONDS, SYNC_UPLOAD_TIMEOUT_SECONDS, SYNC_OBJECT_TIMEOUT_SECONDS
// - SYNC_RETRY_INTERVAL_SECONDS, SYNC_LOCK_TTL_SECONDS, SYNC_NUDGE_TOPIC, SYNC_PHONE_REGION
type SyncSettings struct {
	AppName          string
	EventsFolder     string
	BatchSize        int
	ListPageSize     int
	DownloadAttempts int
	RetryBackoff     time.Duration
	PublishTimeout   time.Duration
	UploadTimeout    time.Duration
	ObjectTimeout    time.Duration
	RetryInterval    time.Duration
	LockTTL          time.Duration
	NudgeTopic       string
	PhoneRegion      string
}

func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		AppName:          "PitiBooks",
		EventsFolder:     "PitiBooks-events",
		BatchSize:        100,
		ListPageSize:     1000,
		DownloadAttempts: 2,
		RetryBackoff:     500 * time.Millisecond,
		PublishTimeout:   8 * time.Second,
		UploadTimeout:    60 * time.Second,
		ObjectTimeout:    15 * time.Second,
		RetryInterval:    time.Minute,
		LockTTL:          5 * time.Minute,
		PhoneRegion:      "MM",
	}
}

func LoadSyncSettings() SyncSettings {
	s := DefaultSyncSettings()
	if v := strings.TrimSpace(os.Getenv("APP_NAME")); v != "" {
		s.AppName = v
		s.EventsFolder = v + "-events"
	}
	if v := strings.TrimSpace(os.Getenv("SYNC_EVENTS_FOLDER")); v != "" {
		s.EventsFolder = v
	}
	if n := intFromEnv("SYNC_BATCH_SIZE", 0); n > 0 {
		s.BatchSize = n
	}
	if n := intFromEnv("SYNC_LIST_PAGE_SIZE", 0); n > 0 {
		s.ListPageSize = n
	}
	if n := intFromEnv("SYNC_DOWNLOAD_ATTEMPTS", 0); n > 0 {
		s.DownloadAttempts = n
	}
	if n := intFromEnv("SYNC_RETRY_BACKOFF_MS", -1); n >= 0 {
		s.RetryBackoff = time.Duration(n) * time.Millisecond
	}
	if n := intFromEnv("SYNC_PUBLISH_TIMEOUT_SECONDS", 0); n > 0 {
		s.PublishTimeout = time.Duration(n) * time.Second
	}
	if n := intFromEnv("SYNC_UPLOAD_TIMEOUT_SECONDS", 0); n > 0 {
		s.UploadTimeout = time.Duration(n) * time.Second
	}
	if n := intFromEnv("SYNC_OBJECT_TIMEOUT_SECONDS", 0); n > 0 {
		s.ObjectTimeout = time.Duration(n) * time.Second
	}
	if n := intFromEnv("SYNC_RETRY_INTERVAL_SECONDS", 0); n > 0 {
		s.RetryInterval = time.Duration(n) * time.Second
	}
	if n := intFromEnv("SYNC_LOCK_TTL_SECONDS", 0); n > 0 {
		s.LockTTL = time.Duration(n) * time.Second
	}
	s.NudgeTopic = strings.TrimSpace(os.Getenv("SYNC_NUDGE_TOPIC"))
	if v := strings.ToUpper(strings.TrimSpace(os.Getenv("SYNC_PHONE_REGION"))); v != "" {
		s.PhoneRegion = v
	}
	return s
}

// BackupFolderName is the per-account snapshot folder.
func (s SyncSettings) BackupFolderName(accountId string) string {
	return s.AppName + "-" + strings.TrimSpace(accountId)
}

// EnvBool parses common truthy/falsy spellings, returning def otherwise.
func EnvBool(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
