package eventsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/books_sync/cloudlog"
	"bitbucket.org/mmdatafocus/books_sync/config"
	"bitbucket.org/mmdatafocus/books_sync/models"
	"bitbucket.org/mmdatafocus/books_sync/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// remoteEvent is one listed object after download. Env is nil when the body
// could not be fetched or parsed.
type remoteEvent struct {
	object cloudlog.Object
	fileId string
	env    *models.Envelope
	reason string
}

// SyncDown pulls events newer than the watermark from the remote log and
// applies them. Only setup failures make the pass unsuccessful; bad objects
// and apply errors are counted in Failures and never retried.
func (e *Engine) SyncDown(ctx context.Context, onProgress Progress) (res SyncResult) {
	trigger, _ := utils.GetSyncTriggerFromContext(ctx)
	cid := utils.CorrelationIdOrNew(ctx)
	ctx, span := e.tracer.Start(ctx, "eventsync.SyncDown", trace.WithAttributes(
		attribute.String("sync.trigger", trigger),
		attribute.String("sync.correlation_id", cid),
	))
	defer span.End()

	unlock, err := e.locker.Lock(ctx, lockKeySync)
	if err != nil {
		e.metrics.SyncRuns.WithLabelValues("busy").Inc()
		return SyncResult{Error: err.Error()}
	}
	defer unlock()

	defer func() {
		if p := recover(); p != nil {
			res.Success = false
			res.Error = fmt.Sprintf("sync aborted: %v", p)
		}
		status := "success"
		switch {
		case !res.Success:
			status = "failed"
			span.SetStatus(codes.Error, res.Error)
		case res.Failures > 0:
			status = "partial"
		}
		e.metrics.SyncRuns.WithLabelValues(status).Inc()
		span.SetAttributes(
			attribute.Int("sync.processed", res.ProcessedCount),
			attribute.Int("sync.failures", res.Failures),
			attribute.Int("sync.skipped", res.Skipped),
		)
	}()

	if onProgress == nil {
		onProgress = func(string, float64) {}
	}
	fail := func(context string, err error) SyncResult {
		config.LogError(e.logger, "eventsync", "SyncDown", context, trigger, err)
		res.Success = false
		res.Error = fmt.Sprintf("%s: %v", context, err)
		return res
	}

	passStart := e.clock.Now().UTC()

	onProgress("Connecting to cloud storage", 0)
	if err := e.remote.Authorize(ctx, false); err != nil {
		return fail("authorize", err)
	}
	folderId, err := e.eventsFolder(ctx)
	if err != nil {
		return fail("resolve events folder", err)
	}
	watermark, err := e.state.LastSyncedAt(ctx)
	if err != nil {
		return fail("load watermark", err)
	}
	processed, err := e.state.ProcessedIds(ctx)
	if err != nil {
		return fail("load processed ids", err)
	}

	onProgress("Checking for changes", 0)
	listed, err := cloudlog.ListAll(ctx, e.remote, folderId, watermark)
	if err != nil {
		return fail("list events", err)
	}

	pending := make([]remoteEvent, 0, len(listed))
	seen := make(map[string]struct{}, len(listed))
	for _, obj := range listed {
		id, ok := cloudlog.EventIdFromName(obj.Name)
		if !ok {
			res.Skipped++
			continue
		}
		if _, done := processed[id]; done {
			res.Skipped++
			continue
		}
		if _, dup := seen[id]; dup {
			res.Skipped++
			continue
		}
		seen[id] = struct{}{}
		pending = append(pending, remoteEvent{object: obj, fileId: id})
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].object.Name < pending[j].object.Name
	})

	total := len(pending)
	span.SetAttributes(attribute.Int("sync.pending", total))
	e.logger.WithFields(logrus.Fields{
		"module":         "eventsync",
		"funcName":       "SyncDown",
		"trigger":        trigger,
		"correlation_id": cid,
		"listed":         len(listed),
		"pending":        total,
	}).Info("sync pass started")

	refresh := &authRefresher{remote: e.remote}
	eta := &etaEstimator{}
	var marked []string
	for start := 0; start < total; start += e.settings.BatchSize {
		end := start + e.settings.BatchSize
		if end > total {
			end = total
		}
		batch := pending[start:end]
		batchStart := e.clock.Now()

		e.downloadBatch(ctx, batch, refresh)

		var envs []models.Envelope
		for _, ev := range batch {
			// both ids land in the processed set whatever the outcome
			marked = append(marked, ev.fileId)
			if ev.env == nil {
				res.Failures++
				e.metrics.EventFailures.WithLabelValues(ev.reason).Inc()
				continue
			}
			marked = append(marked, ev.env.EventId)
			envs = append(envs, *ev.env)
		}

		applied, failed := e.applyBatch(ctx, envs)
		res.ProcessedCount += applied
		res.Failures += failed

		elapsed := e.clock.Now().Sub(batchStart)
		e.metrics.BatchDuration.Observe(elapsed.Seconds())
		eta.observe(elapsed, len(batch))
		onProgress(progressMessage(end, total, eta.remaining(total-end)), float64(end)/float64(total))
	}

	// union with the stored set; Publish may have marked ids during the pass
	if err := e.state.MarkProcessed(ctx, marked...); err != nil {
		return fail("save processed ids", err)
	}
	if err := e.state.SetLastSyncedAt(ctx, passStart); err != nil {
		return fail("save watermark", err)
	}

	res.Success = true
	onProgress("Sync complete", 1)
	e.logger.WithFields(logrus.Fields{
		"module":         "eventsync",
		"funcName":       "SyncDown",
		"trigger":        trigger,
		"correlation_id": cid,
		"processed":      res.ProcessedCount,
		"failures":       res.Failures,
		"skipped":        res.Skipped,
	}).Info("sync pass finished")
	return res
}

// downloadBatch fetches every body of batch concurrently and fills in env or
// reason in place.
func (e *Engine) downloadBatch(ctx context.Context, batch []remoteEvent, refresh *authRefresher) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(batch))
	for i := range batch {
		ev := &batch[i]
		g.Go(func() error {
			body, err := e.download(gctx, ev.object, refresh)
			if err != nil {
				ev.reason = "download"
				e.logger.WithFields(logrus.Fields{
					"module":   "eventsync",
					"funcName": "downloadBatch",
					"object":   ev.object.Name,
				}).Warn("download failed: " + err.Error())
				return nil
			}
			env, err := parseEnvelope(body)
			if err != nil {
				ev.reason = "parse"
				e.logger.WithFields(logrus.Fields{
					"module":   "eventsync",
					"funcName": "downloadBatch",
					"object":   ev.object.Name,
				}).Warn("unreadable event: " + err.Error())
				return nil
			}
			ev.env = &env
			return nil
		})
	}
	_ = g.Wait()
}

// download reads one object with a per-object timeout and bounded retries.
func (e *Engine) download(ctx context.Context, obj cloudlog.Object, refresh *authRefresher) ([]byte, error) {
	attempts := e.settings.DownloadAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		objCtx, cancel := context.WithTimeout(ctx, e.settings.ObjectTimeout)
		body, err := e.remote.Read(objCtx, obj.Id)
		cancel()
		if err == nil {
			return body, nil
		}
		lastErr = err
		if errors.Is(err, cloudlog.ErrNotFound) {
			return nil, err
		}
		if cloudlog.IsUnauthorized(err) {
			if rerr := refresh.refresh(ctx); rerr != nil {
				return nil, rerr
			}
		}
		if attempt < attempts && e.settings.RetryBackoff > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-e.clock.After(e.settings.RetryBackoff):
			}
		}
	}
	return nil, lastErr
}

func parseEnvelope(body []byte) (models.Envelope, error) {
	var env models.Envelope
	clean := cloudlog.CleanBody(body)
	if clean == nil {
		return env, errors.New("body has no json object")
	}
	if err := json.Unmarshal(clean, &env); err != nil {
		return env, err
	}
	if err := utils.Validator().Struct(env); err != nil {
		return env, err
	}
	if !env.Type.Valid() {
		return env, fmt.Errorf("%w: %q", ErrUnknownEventKind, env.Type)
	}
	return env, nil
}

// authRefresher forces at most one credential refresh per pass; concurrent
// callers share its outcome.
type authRefresher struct {
	remote cloudlog.Store
	once   sync.Once
	err    error
}

func (r *authRefresher) refresh(ctx context.Context) error {
	r.once.Do(func() {
		r.err = r.remote.Authorize(ctx, true)
	})
	return r.err
}

// etaEstimator keeps a moving average of per-object processing time.
type etaEstimator struct {
	samples []time.Duration
}

const etaWindow = 5

func (m *etaEstimator) observe(elapsed time.Duration, objects int) {
	if objects <= 0 {
		return
	}
	m.samples = append(m.samples, elapsed/time.Duration(objects))
	if len(m.samples) > etaWindow {
		m.samples = m.samples[len(m.samples)-etaWindow:]
	}
}

func (m *etaEstimator) remaining(objects int) time.Duration {
	if len(m.samples) == 0 || objects <= 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range m.samples {
		sum += s
	}
	return sum / time.Duration(len(m.samples)) * time.Duration(objects)
}

func progressMessage(done, total int, eta time.Duration) string {
	if eta <= 0 {
		return fmt.Sprintf("Synced %d of %d changes", done, total)
	}
	return fmt.Sprintf("Synced %d of %d changes, about %s left", done, total, eta.Round(time.Second))
}
