package storage

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"gcliproxy/internal/credential"
	"gcliproxy/internal/monitoring"
	"gcliproxy/internal/monitoring/tracing"
)

// WithInstrumentation wraps a backend with tracing and metrics.
func WithInstrumentation(inner Backend) Backend {
	if inner == nil {
		return nil
	}
	return &instrumentedBackend{inner: inner, label: inner.Name()}
}

type instrumentedBackend struct {
	inner Backend
	label string
}

func (i *instrumentedBackend) Name() string { return i.inner.Name() }
func (i *instrumentedBackend) Close() error { return i.inner.Close() }

func (i *instrumentedBackend) Ping(ctx context.Context) error {
	return i.instrument(ctx, "ping", func(ctx context.Context) error {
		return i.inner.Ping(ctx)
	})
}

func (i *instrumentedBackend) SaveCredentialState(ctx context.Context, id string, st credential.State) error {
	return i.instrument(ctx, "save_credential_state", func(ctx context.Context) error {
		return i.inner.SaveCredentialState(ctx, id, st)
	})
}

func (i *instrumentedBackend) LoadCredentialStates(ctx context.Context) (map[string]credential.State, error) {
	var result map[string]credential.State
	err := i.instrument(ctx, "load_credential_states", func(ctx context.Context) error {
		var innerErr error
		result, innerErr = i.inner.LoadCredentialStates(ctx)
		return innerErr
	})
	return result, err
}

func (i *instrumentedBackend) DeleteCredentialState(ctx context.Context, id string) error {
	return i.instrument(ctx, "delete_credential_state", func(ctx context.Context) error {
		return i.inner.DeleteCredentialState(ctx, id)
	})
}

func (i *instrumentedBackend) SaveConfig(ctx context.Context, raw []byte) error {
	return i.instrument(ctx, "save_config", func(ctx context.Context) error {
		return i.inner.SaveConfig(ctx, raw)
	})
}

func (i *instrumentedBackend) LoadConfig(ctx context.Context) ([]byte, error) {
	var result []byte
	err := i.instrument(ctx, "load_config", func(ctx context.Context) error {
		var innerErr error
		result, innerErr = i.inner.LoadConfig(ctx)
		return innerErr
	})
	return result, err
}

func (i *instrumentedBackend) AddUsage(ctx context.Context, rows []UsageRow) error {
	return i.instrument(ctx, "add_usage", func(ctx context.Context) error {
		return i.inner.AddUsage(ctx, rows)
	})
}

func (i *instrumentedBackend) LoadUsage(ctx context.Context) ([]UsageRow, error) {
	var result []UsageRow
	err := i.instrument(ctx, "load_usage", func(ctx context.Context) error {
		var innerErr error
		result, innerErr = i.inner.LoadUsage(ctx)
		return innerErr
	})
	return result, err
}

func (i *instrumentedBackend) ResetUsage(ctx context.Context) error {
	return i.instrument(ctx, "reset_usage", func(ctx context.Context) error {
		return i.inner.ResetUsage(ctx)
	})
}

func (i *instrumentedBackend) instrument(ctx context.Context, operation string, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "storage", i.label+"/"+operation)
	span.SetAttributes(
		attribute.String("storage.backend", i.label),
		attribute.String("storage.operation", operation),
	)
	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	monitoring.RecordStorageOperation(i.label, operation, duration, err)
	return err
}
