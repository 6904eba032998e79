package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-assistant/core"
	"github.com/becomeliminal/nim-assistant/engine"
	"github.com/becomeliminal/nim-assistant/knowledge"
	"github.com/becomeliminal/nim-assistant/logging"
	"github.com/becomeliminal/nim-assistant/session"
)

// ChatRequest is one user message. Omitted enable_* flags default to true.
type ChatRequest struct {
	SessionID       string   `json:"session_id"`
	OwnerID         string   `json:"owner_id"`
	Message         string   `json:"message"`
	EnableMemory    *bool    `json:"enable_memory,omitempty"`
	EnableKnowledge *bool    `json:"enable_knowledge,omitempty"`
	EnableTools     *bool    `json:"enable_tools,omitempty"`
	AuthToken       string   `json:"auth_token,omitempty"`
	Categories      []string `json:"categories,omitempty"`
	Industry        string   `json:"industry,omitempty"`
	Language        string   `json:"language,omitempty"`
}

var errMissingOwner = goerr.New("owner_id is required")

func enabled(b *bool) bool {
	return b == nil || *b
}

// turn runs one request against its session and passes every event to
// emit, framed by a session event and a done event. The session is saved
// even when the client goes away mid-turn.
func (s *Server) turn(ctx context.Context, req *ChatRequest, emit func(core.Event) bool) error {
	if strings.TrimSpace(req.OwnerID) == "" {
		return errMissingOwner
	}
	var categories []knowledge.Category
	for _, c := range req.Categories {
		cat, err := knowledge.ParseCategory(c)
		if err != nil {
			return err
		}
		categories = append(categories, cat)
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	unlock := s.locks.Lock(req.SessionID)
	defer unlock()

	sess, err := session.LoadOrCreate(ctx, s.config.Sessions, req.SessionID, req.OwnerID)
	if err != nil {
		return err
	}
	if !emit(core.Event{Type: EventSession, Value: sess.ID}) {
		return nil
	}

	in := &engine.Input{
		Session:         sess,
		Message:         req.Message,
		EnableMemory:    enabled(req.EnableMemory),
		EnableKnowledge: enabled(req.EnableKnowledge),
		EnableTools:     enabled(req.EnableTools),
		AuthToken:       req.AuthToken,
		Categories:      categories,
		Industry:        req.Industry,
		Language:        req.Language,
	}
	stopped := false
	for ev := range s.config.Engine.Run(ctx, in) {
		if !emit(ev) {
			stopped = true
			break
		}
	}

	if err := s.config.Sessions.Save(context.WithoutCancel(ctx), sess); err != nil {
		logging.Component(ctx, "server").Error("failed to save session", "session", sess.ID, "error", err)
	}
	if !stopped {
		emit(core.Event{Type: EventDone})
	}
	return nil
}

// requestError maps a turn setup error to a status and client message.
func requestError(err error) (int, string) {
	switch {
	case errors.Is(err, errMissingOwner):
		return http.StatusBadRequest, errMissingOwner.Error()
	case errors.Is(err, knowledge.ErrInvalidDocument):
		return http.StatusBadRequest, "unknown knowledge category"
	case errors.Is(err, session.ErrOwnerMismatch):
		return http.StatusForbidden, "session belongs to another owner"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return r.URL.Query().Get("token")
	}
	return strings.TrimSpace(token)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	logger := logging.Component(r.Context(), "server")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	token := bearerToken(r)
	for {
		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		if req.AuthToken == "" {
			req.AuthToken = token
		}

		writeFailed := false
		emit := func(ev core.Event) bool {
			if err := conn.WriteMessage(websocket.TextMessage, ev.JSON()); err != nil {
				writeFailed = true
				return false
			}
			return true
		}
		if err := s.turn(ctx, &req, emit); err != nil {
			_, msg := requestError(err)
			emit(core.ErrorEvent(msg))
		}
		if writeFailed {
			return
		}
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AuthToken == "" {
		req.AuthToken = bearerToken(r)
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		writeError(w, http.StatusBadRequest, errMissingOwner.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	started := false
	emit := func(ev core.Event) bool {
		if !started {
			h := w.Header()
			h.Set("Content-Type", "text/event-stream")
			h.Set("Cache-Control", "no-cache")
			h.Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", ev.JSON()); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if err := s.turn(r.Context(), &req, emit); err != nil {
		status, msg := requestError(err)
		if !started {
			writeError(w, status, msg)
			return
		}
		emit(core.ErrorEvent(msg))
	}
}
