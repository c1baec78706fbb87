package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the registry operation and ticket
// carried by the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if od, ok := ctx.Value(operationDataKey{}).(*OperationData); ok {
		attrs := []any{slog.String("name", od.Name)}
		if od.RequestID != "" {
			attrs = append(attrs, slog.String("request_id", od.RequestID))
		}
		r.AddAttrs(slog.Group("op", attrs...))
	}

	if td, ok := ctx.Value(ticketDataKey{}).(*TicketData); ok {
		r.AddAttrs(slog.Group("ticket",
			slog.String("id", td.ID),
			slog.String("type", td.Type),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type operationDataKey struct{}

type OperationData struct {
	Name      string
	RequestID string
}

func WithOperation(ctx context.Context, data *OperationData) context.Context {
	return context.WithValue(ctx, operationDataKey{}, data)
}

// Operation returns the operation attached to ctx, if any.
func Operation(ctx context.Context) (*OperationData, bool) {
	od, ok := ctx.Value(operationDataKey{}).(*OperationData)
	return od, ok
}

type ticketDataKey struct{}

type TicketData struct {
	ID   string
	Type string
}

func WithTicket(ctx context.Context, data *TicketData) context.Context {
	return context.WithValue(ctx, ticketDataKey{}, data)
}
