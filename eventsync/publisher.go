package eventsync

import (
	"context"
	"encoding/json"
	"fmt"

	"bitbucket.org/mmdatafocus/books_sync/cloudlog"
	"bitbucket.org/mmdatafocus/books_sync/config"
	"bitbucket.org/mmdatafocus/books_sync/models"
	"bitbucket.org/mmdatafocus/books_sync/syncstate"
	"bitbucket.org/mmdatafocus/books_sync/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Publish records a local mutation in the remote log. The envelope is in the
// outbox before any network call, so a false return only means the upload did
// not finish within the publish timeout; the entry stays queued and a late
// upload still clears it.
func (e *Engine) Publish(ctx context.Context, kind models.EventKind, payload any) bool {
	ctx, span := e.tracer.Start(ctx, "eventsync.Publish", trace.WithAttributes(
		attribute.String("event.type", string(kind)),
	))
	defer span.End()

	entry, err := e.enqueue(ctx, kind, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		config.LogError(e.logger, "eventsync", "Publish", "enqueue "+string(kind), nil, err)
		e.metrics.Publishes.WithLabelValues("error").Inc()
		return false
	}
	span.SetAttributes(attribute.String("event.id", entry.Envelope.EventId))

	done := make(chan error, 1)
	e.uploads.Add(1)
	go func() {
		defer e.uploads.Done()
		upCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.settings.UploadTimeout)
		defer cancel()
		done <- e.deliver(upCtx, entry)
	}()

	select {
	case err := <-done:
		if err != nil {
			e.metrics.Publishes.WithLabelValues("queued").Inc()
			e.logger.WithFields(logrus.Fields{
				"module":     "eventsync",
				"funcName":   "Publish",
				"event_id":   entry.Envelope.EventId,
				"event_type": kind,
			}).Warn("upload failed, event kept in outbox: " + err.Error())
			return false
		}
		e.metrics.Publishes.WithLabelValues("delivered").Inc()
		return true
	case <-e.clock.After(e.settings.PublishTimeout):
		e.metrics.Publishes.WithLabelValues("timeout").Inc()
		e.logger.WithFields(logrus.Fields{
			"module":     "eventsync",
			"funcName":   "Publish",
			"event_id":   entry.Envelope.EventId,
			"event_type": kind,
		}).Info("publish timed out, upload continues in background")
		return false
	case <-ctx.Done():
		e.metrics.Publishes.WithLabelValues("timeout").Inc()
		return false
	}
}

// enqueue builds the envelope and persists it to the outbox. The event id is
// also marked processed: its effect is already in the local store.
func (e *Engine) enqueue(ctx context.Context, kind models.EventKind, payload any) (syncstate.QueueEntry, error) {
	if !kind.Valid() {
		return syncstate.QueueEntry{}, fmt.Errorf("%w: %q", ErrUnknownEventKind, kind)
	}
	deviceId, err := e.state.DeviceId(ctx)
	if err != nil {
		return syncstate.QueueEntry{}, err
	}
	body, err := encodePayload(payload)
	if err != nil {
		return syncstate.QueueEntry{}, err
	}
	env := models.Envelope{
		EventId:   uuid.NewString(),
		Type:      kind,
		CreatedAt: e.clock.Now().UTC(),
		DeviceId:  deviceId,
		Payload:   body,
	}
	if err := utils.Validator().Struct(env); err != nil {
		return syncstate.QueueEntry{}, err
	}
	entry := syncstate.QueueEntry{FileName: cloudlog.EventFileName(env), Envelope: env}
	if err := e.state.AddToQueue(ctx, entry); err != nil {
		return syncstate.QueueEntry{}, err
	}
	if err := e.state.MarkProcessed(ctx, env.EventId); err != nil {
		return syncstate.QueueEntry{}, err
	}
	e.PendingQueueLength(ctx)
	return entry, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// deliver writes one outbox entry to the remote log and removes it from the
// outbox. An unauthorized write is retried once after a forced re-authorize.
func (e *Engine) deliver(ctx context.Context, entry syncstate.QueueEntry) error {
	if err := e.remote.Authorize(ctx, false); err != nil {
		return err
	}
	body, err := json.Marshal(entry.Envelope)
	if err != nil {
		return err
	}
	folderId, err := e.eventsFolder(ctx)
	if err != nil {
		return err
	}
	_, err = e.remote.Write(ctx, folderId, entry.FileName, body)
	if cloudlog.IsUnauthorized(err) {
		if err = e.remote.Authorize(ctx, true); err == nil {
			_, err = e.remote.Write(ctx, folderId, entry.FileName, body)
		}
	}
	if err != nil {
		return err
	}

	if _, err := e.state.RemoveFromQueue(ctx, entry.Envelope.EventId); err != nil {
		return err
	}
	e.PendingQueueLength(ctx)

	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, entry.Envelope); err != nil {
			config.LogError(e.logger, "eventsync", "deliver", "notify", entry.Envelope.EventId, err)
		}
	}
	return nil
}

// RetryQueue pushes every entry of the current outbox. Failed entries stay
// queued for the next trigger.
func (e *Engine) RetryQueue(ctx context.Context) RetryResult {
	var res RetryResult
	unlock, err := e.locker.Lock(ctx, lockKeyOutbox)
	if err != nil {
		return res
	}
	defer unlock()

	queue, err := e.state.Queue(ctx)
	if err != nil {
		config.LogError(e.logger, "eventsync", "RetryQueue", "load outbox", nil, err)
		return res
	}
	for _, entry := range queue {
		res.Attempted++
		entryCtx, cancel := context.WithTimeout(ctx, e.settings.UploadTimeout)
		err := e.deliver(entryCtx, entry)
		cancel()
		if err != nil {
			res.Failed++
			e.logger.WithFields(logrus.Fields{
				"module":     "eventsync",
				"funcName":   "RetryQueue",
				"event_id":   entry.Envelope.EventId,
				"event_type": entry.Envelope.Type,
			}).Warn("retry upload failed: " + err.Error())
			continue
		}
		res.Delivered++
	}
	if res.Attempted > 0 {
		e.logger.WithFields(logrus.Fields{
			"module":    "eventsync",
			"funcName":  "RetryQueue",
			"attempted": res.Attempted,
			"delivered": res.Delivered,
			"failed":    res.Failed,
		}).Info("outbox retry finished")
	}
	return res
}
