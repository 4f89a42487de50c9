package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xhad/handbookqa/pkg/chat"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is the envelope for both directions of the chat socket. Clients
// send ask, course and clear; the server replies with answer, status, error
// and cleared.
type Message struct {
	Type    string      `json:"type"`
	Content string      `json:"content,omitempty"`
	Course  string      `json:"course,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// handleWebSocket serves one conversation per connection. Messages are handled
// in the order they arrive.
func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return nil
	}
	defer conn.Close()

	ctx := c.Request().Context()
	session := chat.NewSession(s.answerer, s.catalog, "")
	if course := c.QueryParam("course"); course != "" {
		if err := session.SetCourse(course); err != nil {
			s.send(conn, Message{Type: "error", Content: err.Error()})
		}
	}
	s.send(conn, Message{Type: "status", Content: "connected", Course: session.Course(), Data: s.catalog.Names()})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", zap.Error(err))
			}
			return nil
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.send(conn, Message{Type: "error", Content: "invalid message"})
			continue
		}

		switch msg.Type {
		case "ask":
			if strings.TrimSpace(msg.Content) == "" {
				s.send(conn, Message{Type: "error", Content: "message is required"})
				continue
			}
			s.send(conn, Message{Type: "status", Content: "thinking", Course: session.Course()})
			answer, err := session.Ask(ctx, msg.Content)
			switch {
			case errors.Is(err, chat.ErrNoCourse):
				s.send(conn, Message{Type: "error", Content: "select a course first"})
			case err != nil:
				s.logger.Error("failed to answer", zap.String("course", session.Course()), zap.Error(err))
				s.send(conn, Message{Type: "error", Content: chat.ErrorMessage})
			default:
				s.send(conn, Message{Type: "answer", Content: answer.Text, Course: session.Course(), Data: s.payload(answer)})
			}

		case "course":
			course := msg.Course
			if course == "" {
				course = msg.Content
			}
			if err := session.SetCourse(course); err != nil {
				s.send(conn, Message{Type: "error", Content: err.Error()})
				continue
			}
			s.send(conn, Message{Type: "status", Content: fmt.Sprintf("course set to %s", course), Course: course})

		case "clear":
			session.Clear()
			s.send(conn, Message{Type: "cleared", Course: session.Course()})

		default:
			s.send(conn, Message{Type: "error", Content: fmt.Sprintf("unknown message type %q", msg.Type)})
		}
	}
}

func (s *Server) send(conn *websocket.Conn, msg Message) {
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug("failed to send websocket message", zap.Error(err))
	}
}
