package protocol

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"chatrelay/domain"
)

var ErrSessionRequired = errors.New("User must create or join a session before adding messages")

// summaryFields are logged at info level for each accepted operation.
var summaryFields = map[domain.Operation][]string{
	domain.OpLogon:         {"userId", "deviceId"},
	domain.OpCreateSession: {"userId", "sessionId"},
	domain.OpJoinSession:   {"userId", "sessionId"},
	domain.OpAddMessage:    {"userId", "newMessage"},
	domain.OpDisconnect:    {"userId"},
}

func (h *Handler) execute(ctx context.Context, conn domain.Connection, op domain.Operation, params domain.Params) (domain.Response, error) {
	switch op {
	case domain.OpLogon:
		return h.logon(conn, params)
	case domain.OpCreateSession, domain.OpJoinSession:
		// creating a session is joining one nobody is in yet
		return h.joinSession(ctx, conn, params)
	case domain.OpAddMessage:
		return h.addMessage(ctx, conn, params)
	case domain.OpDisconnect:
		return h.disconnect(ctx, conn)
	}
	panic(fmt.Sprintf("protocol: no body for operation %s", op))
}

func (h *Handler) logon(conn domain.Connection, params domain.Params) (domain.Response, error) {
	userID, err := identifierParam(params, "userId")
	if err != nil {
		return nil, err
	}
	conn.State().SetUserID(userID)
	return domain.Response{}, nil
}

func (h *Handler) joinSession(ctx context.Context, conn domain.Connection, params domain.Params) (domain.Response, error) {
	sessionID, err := identifierParam(params, "sessionId")
	if err != nil {
		return nil, err
	}
	if err := h.registry.JoinOrCreate(ctx, conn, sessionID); err != nil {
		return nil, err
	}
	return domain.Response{}, nil
}

func (h *Handler) addMessage(ctx context.Context, conn domain.Connection, params domain.Params) (domain.Response, error) {
	state := conn.State()
	sessionID := state.SessionID()
	if sessionID == "" {
		return nil, ErrSessionRequired
	}

	text, err := stringParam(params, "newMessage")
	if err != nil {
		return nil, err
	}

	msg := domain.Message{Text: text, Time: h.now().UnixMilli()}
	data, err := encodeFrame(domain.FrameNewMessagesReceived, "", map[string][]domain.Message{
		"messages": {msg},
	})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if err := h.fabric.Notify(ctx, sessionID, data, conn); err != nil {
		return nil, err
	}

	h.metrics.Broadcast()
	h.logger.Info(domain.FrameNewMessagesReceived, "userId", state.UserID(), "sessionId", sessionID)
	return domain.Response{"text": msg.Text, "time": msg.Time}, nil
}

func (h *Handler) disconnect(ctx context.Context, conn domain.Connection) (domain.Response, error) {
	identity := conn.State().Identity()
	h.logger.Info("socketDisconnected", "userId", identity.UserID, "connectionId", conn.ID())

	if identity.SessionID != "" {
		h.registry.ClearSession(ctx, conn, identity.SessionID)
	}
	h.registry.DeleteConnection(conn)
	return domain.Response{}, nil
}

func stringParam(params domain.Params, name string) (string, error) {
	switch v := params[name].(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("%s must be a string", name)
	}
}

func identifierParam(params domain.Params, name string) (string, error) {
	value, err := stringParam(params, name)
	if err != nil {
		return "", err
	}
	if value == "" {
		return "", fmt.Errorf("%s must not be empty", name)
	}
	return value, nil
}
