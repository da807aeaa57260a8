package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"bitbucket.org/mmdatafocus/books_sync/cloudlog"
	"bitbucket.org/mmdatafocus/books_sync/config"
	"bitbucket.org/mmdatafocus/books_sync/eventsync"
	"bitbucket.org/mmdatafocus/books_sync/models"
	"bitbucket.org/mmdatafocus/books_sync/syncstate"
	"bitbucket.org/mmdatafocus/books_sync/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	modeRestore  = "restore"
	modeSnapshot = "snapshot"
	modeReset    = "reset"
	modeSync     = "sync"
	modeStatus   = "status"
)

func main() {
	accountID := flag.String("account-id", "", "Account id of the backup folder (restore, snapshot)")
	mode := flag.String("mode", modeStatus, "One of: status, sync, restore, snapshot, reset")
	dryRun := flag.Bool("dry-run", true, "restore and reset: show local counts only (no writes)")
	confirm := flag.String("confirm", "", "Type RESTORE or RESET to proceed when dry-run=false")
	flag.Parse()

	*mode = strings.ToLower(strings.TrimSpace(*mode))
	switch *mode {
	case modeRestore, modeSnapshot:
		if strings.TrimSpace(*accountID) == "" {
			fmt.Fprintln(os.Stderr, "--account-id is required")
			os.Exit(1)
		}
	case modeReset, modeSync, modeStatus:
	default:
		fmt.Fprintf(os.Stderr, "unknown --mode %q\n", *mode)
		os.Exit(1)
	}
	if !*dryRun {
		if want := strings.ToUpper(*mode); (*mode == modeRestore || *mode == modeReset) && strings.TrimSpace(*confirm) != want {
			fmt.Fprintf(os.Stderr, "set --confirm=%s to proceed\n", want)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	if err := models.MigrateTable(db); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	logger := config.GetLogger()
	settings := config.LoadSyncSettings()

	var store syncstate.Store = syncstate.NewGormStore(db)
	if config.RedisEnabled() {
		config.ConnectRedisWithRetry(ctx)
		if rdb := config.GetRedisDB(); rdb != nil {
			store = syncstate.NewRedisStore(rdb, settings.AppName+":sync:")
			defer rdb.Close()
		}
	}
	remote, err := cloudlog.NewFromEnv(settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "remote store: %v\n", err)
		os.Exit(1)
	}
	engine := eventsync.New(eventsync.Options{
		DB:       db,
		Remote:   remote,
		State:    syncstate.New(store),
		Settings: settings,
		Logger:   logger,
	})

	if *mode == modeStatus || (*dryRun && (*mode == modeRestore || *mode == modeReset)) {
		printStatus(ctx, engine, db)
		return
	}

	progress := func(message string, fraction float64) {
		fmt.Printf("[%3.0f%%] %s\n", fraction*100, message)
	}
	switch *mode {
	case modeRestore:
		res := engine.ForceRestore(ctx, *accountID, progress)
		printJSON(res)
		if !res.Success {
			os.Exit(1)
		}
	case modeSnapshot:
		if err := engine.CreateSnapshot(ctx, *accountID); err != nil {
			logger.WithFields(logrus.Fields{"field": "snapshot", "account": *accountID}).Error(err.Error())
			os.Exit(1)
		}
		fmt.Println("snapshot written to", settings.BackupFolderName(*accountID))
	case modeReset:
		if err := engine.ResetSyncState(ctx); err != nil {
			logger.WithFields(logrus.Fields{"field": "reset"}).Error(err.Error())
			os.Exit(1)
		}
		fmt.Println("sync state cleared; the next pass replays the whole event log")
	case modeSync:
		res := engine.SyncDown(utils.SetSyncTriggerInContext(ctx, eventsync.TriggerManual), progress)
		printJSON(res)
		if !res.Success {
			os.Exit(1)
		}
	}
}

func printStatus(ctx context.Context, engine *eventsync.Engine, db *gorm.DB) {
	st, err := engine.Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
	printJSON(st)
	for _, table := range models.SyncedTables {
		var n int64
		stmt := &gorm.Statement{DB: db}
		_ = stmt.Parse(table)
		if err := db.Model(table).Count(&n).Error; err != nil {
			fmt.Fprintf(os.Stderr, "count %s: %v\n", stmt.Table, err)
			continue
		}
		fmt.Printf("%-24s %d\n", stmt.Table, n)
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(out))
}
