package eventsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/books_sync/cloudlog"
	"bitbucket.org/mmdatafocus/books_sync/config"
	"bitbucket.org/mmdatafocus/books_sync/models"
	"bitbucket.org/mmdatafocus/books_sync/normalize"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// restoreOrder is the order entity tables are refilled in; customers first so
// invoice and expense references resolve.
var restoreOrder = []models.Entity{
	models.EntityCustomer, models.EntityProduct, models.EntityExpense, models.EntityInvoice,
}

const restoreInsertBatch = 200

type snapshotFile struct {
	object  cloudlog.Object
	records []map[string]any
}

// ForceRestore replaces the local store with the account's snapshot. Nothing
// is wiped unless at least one snapshot file was read. Afterwards the
// watermark is the newest snapshot modification time and the processed set is
// empty; the outbox is left alone.
func (e *Engine) ForceRestore(ctx context.Context, accountId string, onProgress Progress) (res RestoreResult) {
	ctx, span := e.tracer.Start(ctx, "eventsync.ForceRestore")
	defer span.End()

	if onProgress == nil {
		onProgress = func(string, float64) {}
	}
	fail := func(context string, err error) RestoreResult {
		span.SetStatus(codes.Error, err.Error())
		config.LogError(e.logger, "eventsync", "ForceRestore", context, accountId, err)
		return RestoreResult{Error: fmt.Sprintf("%s: %v", context, err)}
	}
	if strings.TrimSpace(accountId) == "" {
		return fail("validate", errors.New("account id is required"))
	}

	unlock, err := e.locker.Lock(ctx, lockKeySync)
	if err != nil {
		return fail("lock", err)
	}
	defer unlock()

	defer func() {
		if p := recover(); p != nil {
			res = RestoreResult{Error: fmt.Sprintf("restore aborted: %v", p)}
		}
	}()

	onProgress("Connecting to cloud storage", 0)
	if err := e.remote.Authorize(ctx, false); err != nil {
		return fail("authorize", err)
	}
	folderName := e.settings.BackupFolderName(accountId)
	folderId, found, err := e.remote.FindFolder(ctx, folderName, "")
	if err != nil {
		return fail("find backup folder", err)
	}
	if !found {
		return fail("find backup folder", fmt.Errorf("%w: %s", cloudlog.ErrNotFound, folderName))
	}

	onProgress("Downloading backup", 0.1)
	files, err := e.downloadSnapshot(ctx, folderId)
	if err != nil {
		return fail("download snapshot", err)
	}

	var watermark time.Time
	for _, f := range files {
		if f.object.ModifiedAt.After(watermark) {
			watermark = f.object.ModifiedAt
		}
	}

	onProgress("Clearing local data", 0.3)
	if err := e.wipeLocal(ctx); err != nil {
		return fail("wipe local store", err)
	}

	for i, entity := range restoreOrder {
		f, ok := files[entity]
		if !ok {
			continue
		}
		n, err := e.restoreEntity(ctx, entity, f)
		if err != nil {
			return fail("restore "+string(entity), err)
		}
		res.Restored += n
		onProgress(fmt.Sprintf("Restored %d %s records", n, entity), 0.3+0.6*float64(i+1)/float64(len(restoreOrder)))
	}

	if err := e.state.ClearProcessed(ctx); err != nil {
		return fail("clear processed ids", err)
	}
	if err := e.state.SetLastSyncedAt(ctx, watermark.UTC()); err != nil {
		return fail("save watermark", err)
	}

	res.Success = true
	span.SetAttributes(attribute.Int("restore.records", res.Restored))
	onProgress("Restore complete", 1)
	e.logger.WithFields(logrus.Fields{
		"module":    "eventsync",
		"funcName":  "ForceRestore",
		"account":   accountId,
		"restored":  res.Restored,
		"watermark": watermark,
	}).Info("restore finished")
	return res
}

// downloadSnapshot reads the known snapshot files of folderId in parallel. For
// duplicate names the most recently modified object wins.
func (e *Engine) downloadSnapshot(ctx context.Context, folderId string) (map[models.Entity]snapshotFile, error) {
	objects, err := cloudlog.ListAll(ctx, e.remote, folderId, nil)
	if err != nil {
		return nil, err
	}
	latest := map[models.Entity]cloudlog.Object{}
	for _, obj := range objects {
		for entity, name := range cloudlog.SnapshotFileNames {
			if obj.Name != name {
				continue
			}
			if cur, ok := latest[entity]; !ok || obj.ModifiedAt.After(cur.ModifiedAt) {
				latest[entity] = obj
			}
		}
	}

	var mu sync.Mutex
	files := map[models.Entity]snapshotFile{}
	g, gctx := errgroup.WithContext(ctx)
	for entity, obj := range latest {
		g.Go(func() error {
			objCtx, cancel := context.WithTimeout(gctx, e.settings.UploadTimeout)
			defer cancel()
			body, err := e.remote.Read(objCtx, obj.Id)
			if err != nil {
				config.LogError(e.logger, "eventsync", "downloadSnapshot", "read "+obj.Name, nil, err)
				return nil
			}
			records, err := decodeRecords(body)
			if err != nil {
				config.LogError(e.logger, "eventsync", "downloadSnapshot", "parse "+obj.Name, nil, err)
				return nil
			}
			mu.Lock()
			files[entity] = snapshotFile{object: obj, records: records}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(files) == 0 {
		return nil, ErrNoSnapshot
	}
	return files, nil
}

func decodeRecords(body []byte) ([]map[string]any, error) {
	clean := cloudlog.CleanArray(body)
	if clean == nil {
		return nil, errors.New("body has no json array")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(clean, &items); err != nil {
		return nil, err
	}
	records := make([]map[string]any, 0, len(items))
	for _, item := range items {
		records = append(records, normalize.Payload(item))
	}
	return records, nil
}

func (e *Engine) wipeLocal(ctx context.Context) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range models.SyncedTables {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(table).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// restoreEntity upserts every record of one snapshot file in a single
// transaction. Records without an id are dropped.
func (e *Engine) restoreEntity(ctx context.Context, entity models.Entity, f snapshotFile) (int, error) {
	norm := e.reconciler.norm
	stamp := f.object.ModifiedAt.UTC()
	count := 0
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsertAll := tx.Clauses(clause.OnConflict{UpdateAll: true})
		switch entity {
		case models.EntityCustomer:
			rows := make([]models.Customer, 0, len(f.records))
			for _, raw := range f.records {
				if c := norm.Customer(raw); c.ID != "" {
					rows = append(rows, c)
				}
			}
			count = len(rows)
			if count == 0 {
				return nil
			}
			return upsertAll.CreateInBatches(rows, restoreInsertBatch).Error
		case models.EntityProduct:
			rows := make([]models.Product, 0, len(f.records))
			for _, raw := range f.records {
				if p := norm.Product(raw); p.ID != "" {
					p.StockUpdatedAt = &stamp
					rows = append(rows, p)
				}
			}
			count = len(rows)
			if count == 0 {
				return nil
			}
			return upsertAll.CreateInBatches(rows, restoreInsertBatch).Error
		case models.EntityExpense:
			rows := make([]models.Expense, 0, len(f.records))
			for _, raw := range f.records {
				x := norm.Expense(raw)
				if x.ID == "" {
					continue
				}
				if err := e.reconciler.ensureCustomer(tx, x.CustomerId, "", stamp); err != nil {
					return err
				}
				rows = append(rows, x)
			}
			count = len(rows)
			if count == 0 {
				return nil
			}
			return upsertAll.CreateInBatches(rows, restoreInsertBatch).Error
		case models.EntityInvoice:
			rows := make([]models.Invoice, 0, len(f.records))
			for _, raw := range f.records {
				inv := norm.Invoice(raw)
				if inv.ID == "" {
					continue
				}
				if err := e.reconciler.ensureCustomer(tx, inv.CustomerId, inv.CustomerName, stamp); err != nil {
					return err
				}
				rows = append(rows, inv)
			}
			count = len(rows)
			if count == 0 {
				return nil
			}
			return upsertAll.CreateInBatches(rows, restoreInsertBatch).Error
		}
		return fmt.Errorf("unknown snapshot entity %q", entity)
	})
	return count, err
}

// CreateSnapshot exports the local tables into the account's backup folder in
// the format ForceRestore reads.
func (e *Engine) CreateSnapshot(ctx context.Context, accountId string) error {
	ctx, span := e.tracer.Start(ctx, "eventsync.CreateSnapshot")
	defer span.End()

	if strings.TrimSpace(accountId) == "" {
		return errors.New("account id is required")
	}
	if err := e.remote.Authorize(ctx, false); err != nil {
		return err
	}
	folderId, err := e.remote.EnsureFolder(ctx, e.settings.BackupFolderName(accountId), "")
	if err != nil {
		return err
	}

	db := e.db.WithContext(ctx)
	customers := []models.Customer{}
	products := []models.Product{}
	expenses := []models.Expense{}
	invoices := []models.Invoice{}
	tables := map[models.Entity]interface{}{
		models.EntityCustomer: &customers,
		models.EntityProduct:  &products,
		models.EntityExpense:  &expenses,
		models.EntityInvoice:  &invoices,
	}
	for _, entity := range restoreOrder {
		dest := tables[entity]
		if err := db.Order("id").Find(dest).Error; err != nil {
			return fmt.Errorf("load %s: %w", entity, err)
		}
		body, err := json.Marshal(dest)
		if err != nil {
			return err
		}
		if _, err := e.remote.Write(ctx, folderId, cloudlog.SnapshotFileNames[entity], body); err != nil {
			return fmt.Errorf("write %s snapshot: %w", entity, err)
		}
	}
	e.logger.WithFields(logrus.Fields{
		"module":    "eventsync",
		"funcName":  "CreateSnapshot",
		"account":   accountId,
		"customers": len(customers),
		"products":  len(products),
		"expenses":  len(expenses),
		"invoices":  len(invoices),
	}).Info("snapshot written")
	return nil
}
