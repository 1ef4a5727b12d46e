package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hamza-roujdami/clinic-voice-agent/internal/protocol"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/triage"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// handleChatWS serves a chat channel: one text frame per caller message,
// answered in order. The session id may come from the query string or the
// first chat message; the server assigns one otherwise.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 16)
	outbound := make(chan any, 16)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		defer close(outbound)
		defer cancel()
		s.runChat(ctx, strings.TrimSpace(r.URL.Query().Get("session_id")), inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range outbound {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				// Drain so runChat never blocks on a dead connection.
				for range outbound {
				}
				return
			}
		}
		// runChat is done; closing unblocks the read loop.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteTimeout))
		_ = conn.Close()
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			parsed = protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: err.Error(),
			}
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	close(inbound)
	<-runDone
	cancel()
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

// runChat answers inbound messages one at a time until inbound closes or the
// caller ends the session.
func (s *Server) runChat(ctx context.Context, sessionID string, inbound <-chan any, outbound chan<- any) {
	send := func(msg any) bool {
		select {
		case <-ctx.Done():
			return false
		case outbound <- msg:
			return true
		}
	}

	for msg := range inbound {
		switch m := msg.(type) {
		case protocol.ErrorEvent:
			m.SessionID = sessionID
			if !send(m) {
				return
			}
		case protocol.ChatMessage:
			if m.SessionID != "" {
				sessionID = m.SessionID
			}
			reply, err := s.triage.HandleMessage(ctx, sessionID, m.Text)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				code, detail := "turn_failed", "internal error"
				if errors.Is(err, triage.ErrEmptyMessage) {
					code, detail = "invalid_request", "message cannot be empty"
				} else {
					s.logger.Error().Err(err).Str("session_id", sessionID).Msg("websocket chat turn failed")
				}
				if !send(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Code:      code,
					Source:    "agent",
					Retryable: code == "turn_failed",
					Detail:    detail,
				}) {
					return
				}
				continue
			}
			sessionID = reply.SessionID
			if !send(protocol.AssistantMessage{
				Type:            protocol.TypeAssistantMessage,
				SessionID:       reply.SessionID,
				Text:            reply.Response,
				ToolsCalled:     reply.ToolsCalled,
				CapReached:      reply.CapReached,
				PatientVerified: reply.PatientVerified,
			}) {
				return
			}
		case protocol.ClientControl:
			switch m.Action {
			case protocol.ActionPing:
				if !send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "pong"}) {
					return
				}
			case protocol.ActionEndSession:
				if err := s.triage.EndSession(ctx, m.SessionID); err != nil {
					s.logger.Error().Err(err).Str("session_id", m.SessionID).Msg("websocket end session failed")
				}
				send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: m.SessionID, Code: "session_ended"})
				return
			}
		}
	}
}
