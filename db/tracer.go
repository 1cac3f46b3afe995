package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkgwatch/herald/logger"
)

type traceContextKey string

const traceQueryStartKey traceContextKey = "trace_query_start"

// CustomTracer logs every query with its duration when query logging is
// enabled in the database configuration.
type CustomTracer struct{}

func (t *CustomTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debugf("[DB] query: %s args: %v", data.SQL, data.Args)
	return context.WithValue(ctx, traceQueryStartKey, time.Now())
}

func (t *CustomTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if start, ok := ctx.Value(traceQueryStartKey).(time.Time); ok {
		if data.Err != nil {
			logger.Debugf("[DB] query failed after %s: %v", time.Since(start), data.Err)
			return
		}
		logger.Debugf("[DB] query completed in %s (%s)", time.Since(start), data.CommandTag)
	}
}
