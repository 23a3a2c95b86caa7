package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/pkg/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 45 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxPayload = 1 << 20
)

// handleWebSocket upgrades the connection and drives a sequence of turns:
// each inbound frame carries the user's latest message (and optionally a
// conversation_id to continue), and the server streams status/content/
// tool_calls/done frames back until the loop finishes the turn.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	send := make(chan outboundFrame, 32)
	go s.wsWriteLoop(ctx, conn, send)

	conn.SetReadLimit(wsMaxPayload)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			send <- outboundFrame{Error: "invalid request: " + err.Error()}
			continue
		}
		if len(in.Messages) == 0 {
			send <- outboundFrame{Error: "messages must not be empty"}
			continue
		}

		s.runTurn(ctx, in, send)
	}
}

func (s *Server) wsWriteLoop(ctx context.Context, conn *websocket.Conn, send <-chan outboundFrame) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case frame, ok := <-send:
			if !ok {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// runTurn resolves the conversation, drives one Loop.Run turn, and
// translates each ResponseChunk into this package's wire frames.
func (s *Server) runTurn(ctx context.Context, in inboundFrame, send chan<- outboundFrame) {
	if s.deps.Loop == nil {
		send <- outboundFrame{Error: "no agent loop configured"}
		return
	}

	last := in.Messages[len(in.Messages)-1]

	session, err := s.sessionFor(ctx, in.ConversationID)
	if err != nil {
		send <- outboundFrame{Error: err.Error()}
		return
	}

	chunks, err := s.deps.Loop.Run(ctx, session, last.Content, nil)
	if err != nil {
		send <- outboundFrame{Error: err.Error()}
		return
	}

	for chunk := range chunks {
		for _, frame := range translateChunk(session.ID, chunk) {
			send <- frame
		}
	}
}

// translateChunk maps an agent.ResponseChunk onto zero or more client
// wire frames. A chunk rarely maps to more than one frame; status and
// content can both be set on the rare chunk that carries a trailing
// iteration event alongside text.
func translateChunk(conversationID string, chunk *agent.ResponseChunk) []outboundFrame {
	if chunk == nil {
		return nil
	}

	var frames []outboundFrame

	if chunk.Event != nil && chunk.Event.Message != "" {
		frames = append(frames, outboundFrame{Status: chunk.Event.Message})
	}
	if chunk.ToolEvent != nil && chunk.ToolEvent.Stage == models.ToolEventStarted {
		frames = append(frames, outboundFrame{ToolCalls: []toolCallFrame{{
			ID:    chunk.ToolEvent.ToolCallID,
			Name:  chunk.ToolEvent.ToolName,
			Input: chunk.ToolEvent.Input,
		}}})
	}
	if chunk.Text != "" {
		frames = append(frames, outboundFrame{Content: chunk.Text})
	}
	if chunk.Error != nil {
		frames = append(frames, outboundFrame{Error: chunk.Error.Error()})
	}
	if chunk.Done {
		frames = append(frames, outboundFrame{Done: true, ConversationID: conversationID})
	}

	return frames
}
