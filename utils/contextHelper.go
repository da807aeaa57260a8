package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/books_sync/appctx"
	"github.com/google/uuid"
)

var (
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeySyncTrigger   = appctx.ContextKeySyncTrigger
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetSyncTriggerFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeySyncTrigger)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetSyncTriggerInContext(ctx context.Context, trigger string) context.Context {
	return appctx.Set(ctx, ContextKeySyncTrigger, trigger)
}

// CorrelationIdOrNew returns the correlation id carried by ctx, or a fresh one.
func CorrelationIdOrNew(ctx context.Context) string {
	if cid, ok := GetCorrelationIdFromContext(ctx); ok && cid != "" {
		return cid
	}
	return uuid.NewString()
}
