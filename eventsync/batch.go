package eventsync

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/books_sync/config"
	"bitbucket.org/mmdatafocus/books_sync/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// applyBatch applies envs inside one transaction with a savepoint per event,
// so a failing event is rolled back alone. When the transaction itself cannot
// be used the batch is applied event by event without one.
func (e *Engine) applyBatch(ctx context.Context, envs []models.Envelope) (applied, failed int) {
	if len(envs) == 0 {
		return 0, 0
	}
	ctx, span := e.tracer.Start(ctx, "eventsync.applyBatch")
	span.SetAttributes(attribute.Int("batch.size", len(envs)))
	defer span.End()

	var outcomes []error
	err := e.transact(ctx, func(tx *gorm.DB) error {
		outcomes = outcomes[:0]
		for i, env := range envs {
			sp := fmt.Sprintf("ev_%d", i)
			if err := tx.SavePoint(sp).Error; err != nil {
				return err
			}
			applyErr := e.reconciler.SafeApply(tx, env)
			if applyErr != nil {
				if err := tx.RollbackTo(sp).Error; err != nil {
					return err
				}
			}
			outcomes = append(outcomes, applyErr)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		config.LogError(e.logger, "eventsync", "applyBatch", "batch transaction failed, applying events one by one", len(envs), err)
		outcomes = outcomes[:0]
		for _, env := range envs {
			outcomes = append(outcomes, e.reconciler.SafeApply(e.db.WithContext(ctx), env))
		}
	}

	for i, env := range envs {
		if outcomes[i] != nil {
			failed++
			e.metrics.EventFailures.WithLabelValues("apply").Inc()
			e.logger.WithFields(logrus.Fields{
				"module":     "eventsync",
				"funcName":   "applyBatch",
				"event_id":   env.EventId,
				"event_type": env.Type,
			}).Error("apply failed: " + outcomes[i].Error())
			continue
		}
		applied++
		e.metrics.EventsApplied.WithLabelValues(string(env.Type)).Inc()
	}
	return applied, failed
}
