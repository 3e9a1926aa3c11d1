package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoravur/pipeline-bridge/internal/logutil"
)

const tracerName = "github.com/zoravur/pipeline-bridge/internal/protocol"

// Route labels reported to observers for frames that never reach a handler.
const (
	RouteInvalid = "invalid"
	RouteUnknown = "unknown"
)

// Outcome labels reported to observers.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeIgnored = "ignored"
	OutcomePanic   = "panic"
)

// HandlerFunc handles the data of one routed envelope. A non-nil result is
// sent back to conn; nil means no reply.
type HandlerFunc func(ctx context.Context, conn Conn, data json.RawMessage) *Message

// Observer receives one call per dispatched frame.
type Observer interface {
	ObserveMessage(route, outcome string, elapsed time.Duration)
}

// Router maps exact path strings to handlers.
type Router struct {
	routes map[string]HandlerFunc
	log    *zap.Logger
	tracer trace.Tracer
	obs    Observer
}

type RouterOption func(*Router)

func WithObserver(o Observer) RouterOption {
	return func(r *Router) { r.obs = o }
}

func WithTracer(t trace.Tracer) RouterOption {
	return func(r *Router) { r.tracer = t }
}

func NewRouter(log *zap.Logger, opts ...RouterOption) *Router {
	r := &Router{
		routes: make(map[string]HandlerFunc),
		log:    logutil.OrGlobal(log),
		tracer: otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handle registers h for path. Registering a path twice panics.
func (r *Router) Handle(path string, h HandlerFunc) {
	if _, dup := r.routes[path]; dup {
		panic("protocol: duplicate route " + path)
	}
	r.routes[path] = h
	r.log.Debug("route registered", zap.String("route", path))
}

func (r *Router) Routes() []string {
	out := make([]string, 0, len(r.routes))
	for p := range r.routes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Dispatch decodes raw, runs the matching handler and sends its reply.
// Malformed frames and unknown routes are answered with PathError. A panic
// in a handler is recovered and logged; the connection stays usable.
func (r *Router) Dispatch(ctx context.Context, conn Conn, raw []byte) {
	start := time.Now()
	route, outcome := RouteInvalid, OutcomeError

	ctx, span := r.tracer.Start(ctx, "protocol.dispatch", trace.WithSpanKind(trace.SpanKindServer))
	defer func() {
		if p := recover(); p != nil {
			outcome = OutcomePanic
			r.log.Error("message handler panicked",
				zap.String("route", route),
				zap.String("conn_id", conn.ID()),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			span.SetStatus(codes.Error, fmt.Sprint(p))
		}
		span.SetAttributes(
			attribute.String("bridge.route", route),
			attribute.String("bridge.outcome", outcome),
			attribute.String("bridge.conn_id", conn.ID()),
		)
		span.End()
		if r.obs != nil {
			r.obs.ObserveMessage(route, outcome, time.Since(start))
		}
	}()

	env, err := DecodeMessage(raw)
	if err != nil {
		r.log.Error("invalid message format", zap.String("conn_id", conn.ID()), zap.Error(err))
		span.RecordError(err)
		r.reply(conn, Errorf("invalid message format"))
		return
	}

	r.log.Info("message received", zap.String("route", env.RouteLabel()), zap.String("conn_id", conn.ID()))

	var h HandlerFunc
	if env.HasPath {
		h = r.routes[env.Path]
	}
	if h == nil {
		route = RouteUnknown
		r.log.Warn("route not found", zap.String("route", env.RouteLabel()), zap.String("conn_id", conn.ID()))
		r.reply(conn, Errorf("route not found: %s", env.RouteLabel()))
		return
	}

	route = env.Path
	reply := h(ctx, conn, env.Data)
	switch {
	case reply == nil:
		outcome = OutcomeIgnored
	case reply.Path == PathError:
		outcome = OutcomeError
	default:
		outcome = OutcomeOK
	}
	if reply != nil {
		r.reply(conn, reply)
	}
}

func (r *Router) reply(conn Conn, msg *Message) {
	frame, err := Encode(msg.Path, msg.Data)
	if err != nil {
		r.log.Error("encode reply failed", zap.String("route", msg.Path), zap.Error(err))
		return
	}
	if err := conn.Send(frame); err != nil {
		r.log.Warn("send reply failed",
			zap.String("route", msg.Path),
			zap.String("conn_id", conn.ID()),
			zap.Error(err),
		)
	}
}
