// Package logctx carries request-scoped auth data in the context and exposes
// a slog.Handler that attaches it to every record, so decision logs always
// identify who asked for what.
package logctx

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("remote_addr", rd.RemoteAddr),
		))
	}

	if id, ok := ctx.Value(identityDataKey{}).(*IdentityData); ok {
		r.AddAttrs(slog.Group("identity",
			slog.String("user_id", id.UserID),
			slog.String("username", id.Username),
		))
	}

	if dd, ok := ctx.Value(decisionDataKey{}).(*DecisionData); ok {
		r.AddAttrs(slog.Group("authz",
			slog.String("relation", dd.Relation),
			slog.String("resource", dd.Resource),
			slog.String("source", dd.Source),
			slog.Bool("allowed", dd.Allowed),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	RemoteAddr string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	if data.RequestID == "" {
		data.RequestID = uuid.NewString()
	}
	return context.WithValue(ctx, requestDataKey{}, data)
}

type identityDataKey struct{}

type IdentityData struct {
	UserID   string
	Username string
}

func WithIdentityData(ctx context.Context, data *IdentityData) context.Context {
	return context.WithValue(ctx, identityDataKey{}, data)
}

type decisionDataKey struct{}

// DecisionData records the outcome of an authorization decision. Source is
// "remote" when the backend answered, "fallback" when the local policy did.
type DecisionData struct {
	Relation string
	Resource string
	Source   string
	Allowed  bool
}

func WithDecisionData(ctx context.Context, data *DecisionData) context.Context {
	return context.WithValue(ctx, decisionDataKey{}, data)
}
