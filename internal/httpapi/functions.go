package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/xatm/internal/correlation"
	"pkt.systems/xatm/internal/svcfields"
)

var errTrailingJSON = errors.New("httpapi: trailing data after JSON body")

// routerSys maps an operation such as "transaction.begin" to the log
// subsystem of its route.
func routerSys(operation string) string {
	return svcfields.Subsystem("api.http", strings.ReplaceAll(operation, "/", "."))
}

// applyCorrelation tags logger and span with the correlation id carried by
// ctx and stores the logger in the returned context.
func applyCorrelation(ctx context.Context, logger pslog.Logger, span trace.Span) (context.Context, pslog.Logger) {
	id := correlation.ID(ctx)
	if id == "" {
		return ctx, logger
	}
	logger = logger.With("cid", id)
	if span != nil {
		span.SetAttributes(attribute.String("xatm.correlation_id", id))
	}
	return pslog.ContextWithLogger(ctx, logger), logger
}

// decodeJSONBody decodes a single JSON object with no unknown fields.
func decodeJSONBody(body io.Reader, dst any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errTrailingJSON
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errTrailingJSON
	}
	return nil
}
