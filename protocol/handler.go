package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chatrelay/domain"
	"chatrelay/metrics"
	"chatrelay/session"
	"chatrelay/validator"
)

// Responder delivers the single response of an operation. A nil Responder
// means the caller supplied no acknowledgement channel.
type Responder func(domain.Response)

type Handler struct {
	registry *session.Registry
	fabric   domain.Fabric
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(*Handler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func NewHandler(registry *session.Registry, fabric domain.Fabric, opts ...Option) *Handler {
	h := &Handler{
		registry: registry,
		fabric:   fabric,
		logger:   slog.Default(),
		tracer:   otel.Tracer("chatrelay/protocol"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Connect(conn domain.Connection) {
	h.metrics.ConnectionOpened()
	h.push(conn, domain.FrameConnected, map[string]bool{"success": true})
}

// Handle decodes one inbound frame and dispatches it.
func (h *Handler) Handle(ctx context.Context, conn domain.Connection, data []byte) {
	var frame domain.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.logger.Warn("invalid frame", "connectionId", conn.ID(), "error", err)
		h.send(conn, domain.FrameError, "", domain.Response{"error": "invalid frame payload"})
		return
	}

	op, ok := domain.ParseOperation(frame.Type)
	if !ok {
		h.logger.Warn("unsupported frame type", "connectionId", conn.ID(), "type", frame.Type)
		h.send(conn, domain.FrameError, frame.ID, domain.Response{"error": "unsupported operation " + frame.Type})
		return
	}

	var respond Responder
	if frame.ID != "" {
		id := frame.ID
		respond = func(resp domain.Response) {
			h.send(conn, domain.FrameAck, id, resp)
		}
	}
	h.Dispatch(ctx, conn, op, frame.Payload, respond)
}

// Disconnect runs the disconnect operation for a connection the transport has
// closed.
func (h *Handler) Disconnect(ctx context.Context, conn domain.Connection) {
	h.Dispatch(ctx, conn, domain.OpDisconnect, nil, nil)
	h.metrics.ConnectionClosed()
}

// Dispatch runs one operation end to end and hands exactly one response to
// respond. Errors returned by the operation body become {error} responses;
// panics are not recovered.
func (h *Handler) Dispatch(ctx context.Context, conn domain.Connection, op domain.Operation, payload json.RawMessage, respond Responder) {
	start := time.Now()
	ctx, span := h.tracer.Start(ctx, "chatrelay."+op.String(),
		trace.WithAttributes(attribute.String("chatrelay.connection_id", conn.ID())))
	defer span.End()

	resp, outcome := h.process(ctx, conn, op, payload, respond != nil)

	if outcome != metrics.OutcomeOK {
		if msg, ok := resp["error"].(string); ok {
			span.SetStatus(codes.Error, msg)
		}
	}
	h.metrics.ObserveOperation(op.String(), outcome, time.Since(start))

	if respond != nil {
		respond(resp)
	}
}

func (h *Handler) process(ctx context.Context, conn domain.Connection, op domain.Operation, payload json.RawMessage, hasAck bool) (domain.Response, string) {
	params, err := normalize(payload)
	if err != nil {
		return h.fail(ctx, op, err), metrics.OutcomeFailed
	}

	state := conn.State()
	validation := validator.Validate(state.Identity(), op, params, hasAck)
	if !validation.Valid {
		h.logger.Warn("processRequestError", "error", validation.Error, "apiName", op.String(), "connectionId", conn.ID())
		return domain.Response{"error": validation.Error}, metrics.OutcomeRejected
	}

	if _, ok := params["userId"]; !ok {
		if userID := state.UserID(); userID != "" {
			params["userId"] = userID
		}
	}
	h.logSummary(op, params)

	resp, err := h.execute(ctx, conn, op, params)
	if err != nil {
		return h.fail(ctx, op, err), metrics.OutcomeFailed
	}
	if resp == nil {
		panic(fmt.Sprintf("protocol: %s returned a nil response", op))
	}
	if validation.Warning != "" {
		resp["warning"] = validation.Warning
	}
	return resp, metrics.OutcomeOK
}

func (h *Handler) fail(ctx context.Context, op domain.Operation, err error) domain.Response {
	trace.SpanFromContext(ctx).RecordError(err)
	h.logger.Error("processRequestError", "error", err, "apiName", op.String())

	msg := err.Error()
	if msg == "" {
		msg = "Unknown server error in " + op.String()
	}
	return domain.Response{"error": msg}
}

func (h *Handler) logSummary(op domain.Operation, params domain.Params) {
	fields := summaryFields[op]
	args := make([]any, 0, 2*len(fields))
	for _, name := range fields {
		args = append(args, name, params[name])
	}
	h.logger.Info(op.String(), args...)
	h.logger.Debug(op.String(), "params", params)
}

// normalize turns a raw payload into a parameter bag. A missing payload is an
// empty bag and a non-object payload is wrapped as {data: payload}.
func normalize(payload json.RawMessage) (domain.Params, error) {
	if len(payload) == 0 {
		return domain.Params{}, nil
	}

	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	switch v := value.(type) {
	case nil:
		return domain.Params{}, nil
	case map[string]any:
		return domain.Params(v), nil
	default:
		return domain.Params{"data": v}, nil
	}
}

func (h *Handler) push(conn domain.Connection, frameType string, payload any) {
	h.send(conn, frameType, "", payload)
}

func (h *Handler) send(conn domain.Connection, frameType, id string, payload any) {
	data, err := encodeFrame(frameType, id, payload)
	if err != nil {
		h.logger.Error("frame encode error", "type", frameType, "connectionId", conn.ID(), "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		h.logger.Warn("frame send error", "type", frameType, "connectionId", conn.ID(), "error", err)
	}
}

func encodeFrame(frameType, id string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(domain.Frame{Type: frameType, ID: id, Payload: raw})
}
