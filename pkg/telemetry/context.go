package telemetry

import (
	"context"
	"encoding/hex"

	"github.com/google/uuid"
)

type fieldsKey struct{}

// WithFields returns a context whose telemetry emissions carry the given
// operation-scoped fields in addition to any already bound.
func WithFields(ctx context.Context, fields map[string]any) context.Context {
	merged := map[string]any{}
	for key, value := range ContextFields(ctx) {
		merged[key] = value
	}
	for key, value := range fields {
		if value != nil {
			merged[key] = value
		}
	}
	return context.WithValue(ctx, fieldsKey{}, merged)
}

// ContextFields returns the operation-scoped fields bound to the context.
func ContextFields(ctx context.Context) map[string]any {
	fields, _ := ctx.Value(fieldsKey{}).(map[string]any)
	return fields
}

// GenerateRunID returns a unique identifier correlating a service run.
func GenerateRunID() string {
	id := uuid.New()
	return "run-" + hex.EncodeToString(id[:])
}

// GenerateOperationID returns a unique identifier scoping one operation.
func GenerateOperationID() string {
	id := uuid.New()
	return "op-" + hex.EncodeToString(id[:])
}
