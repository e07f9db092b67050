package middleware

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/latticehttp/lattice/exchange"
)

// RequestIDHeader carries the correlation id propagated across a request and
// echoed back on the response, grounded on
// internal/adapters/http/middleware/request_logger.go's RequestIDHeader.
const RequestIDHeader = "X-Request-ID"

const requestIDAttr = "request_id"

// RequestID assigns (or propagates) a correlation id onto the exchange
// before the rest of the chain runs, stashing it as an attribute and
// echoing it on the response header.
func RequestID() Func {
	return func(next exchange.HandlerFunc) exchange.HandlerFunc {
		return func(ex *exchange.Exchange) error {
			id := ex.Req.Header().Get(RequestIDHeader)
			if id == "" {
				id = uuid.New().String()
			}
			ex.Set(requestIDAttr, id)
			_ = ex.AddHeader(RequestIDHeader, id)
			return next(ex)
		}
	}
}

// RequestIDFrom returns the correlation id RequestID assigned to ex, or ""
// if RequestID never ran on this chain.
func RequestIDFrom(ex *exchange.Exchange) string {
	v, _ := ex.Get(requestIDAttr)
	id, _ := v.(string)
	return id
}

// RequestLogger logs one structured line per dispatched exchange: method,
// path, status, duration, and the correlation id if RequestID ran earlier in
// the chain, escalating level by status code exactly as
// request_logger.go's RequestLogger does.
func RequestLogger(logger *slog.Logger) Func {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next exchange.HandlerFunc) exchange.HandlerFunc {
		return func(ex *exchange.Exchange) error {
			start := time.Now()
			err := next(ex)
			duration := time.Since(start)

			attrs := []any{
				slog.String("request_id", RequestIDFrom(ex)),
				slog.String("method", ex.Req.Method()),
				slog.String("path", ex.Req.Path()),
				slog.Int("status", ex.Resp.Status()),
				slog.Duration("duration", duration),
			}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}

			status := ex.Resp.Status()
			switch {
			case status >= 500:
				logger.Error("request completed", attrs...)
			case status >= 400:
				logger.Warn("request completed", attrs...)
			default:
				logger.Info("request completed", attrs...)
			}
			return err
		}
	}
}
