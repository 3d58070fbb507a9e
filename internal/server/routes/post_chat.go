package routes

import (
	"strings"

	"github.com/labstack/echo/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/ai"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/query"
)

type chatRequest struct {
	Message   string `json:"message" validate:"required"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// chatEvent is one line of a chat stream. Payload is the prose of a
// chunk, the graph slice, the done summary or the error.
type chatEvent struct {
	Type    query.EventType `json:"type"`
	Payload any             `json:"payload"`
}

type chatDone struct {
	SessionID string                    `json:"session_id"`
	Mode      query.Mode                `json:"mode"`
	Trace     *query.QueryTraceSnapshot `json:"trace,omitempty"`
}

// sessionKey scopes a session id to its user.
func sessionKey(userID, sessionID string) string {
	return userID + "/" + sessionID
}

// ChatHandler answers a question over the graph and streams the answer as
// NDJSON. Earlier turns of the session are sent along as history.
func ChatHandler(c echo.Context) error {
	data := new(chatRequest)
	if err := bindBody(c, data); err != nil {
		return respondError(c, err)
	}
	a := appOf(c)
	ctx := c.Request().Context()

	sessionID := data.SessionID
	if sessionID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return respondError(c, err)
		}
		sessionID = "chat_" + id
	}
	key := sessionKey(data.UserID, sessionID)

	events, err := a.Query.Stream(ctx, query.Request{
		Question: data.Message,
		History:  a.Sessions.History(key),
	})
	if err != nil {
		return respondError(c, err)
	}

	s := openStream(c)
	var answer strings.Builder
	for ev := range events {
		out := chatEvent{Type: ev.Type}
		switch ev.Type {
		case query.EventChunk:
			answer.WriteString(ev.Content)
			out.Payload = ev.Content
		case query.EventGraph:
			out.Payload = ev.Graph
		case query.EventDone:
			a.Sessions.Append(key,
				ai.ChatMessage{Role: "user", Message: data.Message},
				ai.ChatMessage{Role: "assistant", Message: answer.String()},
			)
			out.Payload = chatDone{SessionID: sessionID, Mode: ev.Mode, Trace: ev.Trace}
		case query.EventError:
			out.Payload = ev.Error
		}
		if err := s.send(out); err != nil {
			logger.Warn("[Server] Chat stream closed by client", "session_id", sessionID, "err", err)
			drain(events)
			return nil
		}
	}
	return nil
}
