package handlers

import (
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/mood-chat/internal/models"
	"github.com/MegaGrindStone/mood-chat/internal/persona"
	"github.com/MegaGrindStone/mood-chat/internal/stream"
	"github.com/tmaxmax/go-sse"
)

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time
}

type chatboxData struct {
	Messages      []message
	Status        string
	Typing        bool
	InFlight      bool
	CanRegenerate bool
	SubmitLabel   string
	Banner        string
}

type statusResponse struct {
	Status        string `json:"status"`
	Messages      int    `json:"messages"`
	CanRegenerate bool   `json:"canRegenerate"`
	Error         string `json:"error,omitempty"`
}

// SSE event types for real-time updates.
var (
	messagesSSEType = sse.Type("messages")
	statusSSEType   = sse.Type("status")
	errorSSEType    = sse.Type("error")
)

// HandleMessages processes the submit affordance through HTTP POST requests. The "message" form field is
// submitted when the session is idle; while a response is streaming the same request stops it instead.
// An empty message is silently ignored. The response carries no body: the conversation is pushed to the
// browser through Server-Sent Events.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID, c := m.session(w, r)

	action, err := c.SubmitOrStop(r.FormValue("message"))
	if err != nil {
		m.logger.Error("Failed to submit message",
			slog.String("session", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	switch action {
	case stream.ActionSubmitted:
		m.logger.Debug("Message submitted", slog.String("session", sessionID))
	case stream.ActionStopped:
		m.logger.Debug("Stop requested", slog.String("session", sessionID))
	case stream.ActionNone:
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleStop requests the in-flight response of the session to stop. Text already streamed is kept.
// It responds with 404 Not Found when the request has no live session.
func (m Main) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	_, c, ok := m.existingSession(r)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	c.RequestStop()

	w.WriteHeader(http.StatusNoContent)
}

// HandleRegenerate drops the last assistant reply and streams a new one. It responds with 409 Conflict
// when there is nothing to regenerate or a response is already streaming, and 404 Not Found without a
// live session.
func (m Main) HandleRegenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID, c, ok := m.existingSession(r)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	if _, err := c.Regenerate(); err != nil {
		if errors.Is(err, stream.ErrCannotRegenerate) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		m.logger.Error("Failed to regenerate",
			slog.String("session", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleOptions saves the mood, character, model and custom instruction of the session and applies them
// to the next request. The API key, if given, is kept in memory only.
func (m Main) HandleOptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID, c := m.session(w, r)

	current := c.Options()
	opts := persona.Normalize(models.Options{
		Credential:        current.Credential,
		Mood:              r.FormValue("mood"),
		Character:         r.FormValue("character"),
		Model:             strings.TrimSpace(r.FormValue("model")),
		CustomInstruction: r.FormValue("instruction"),
	})
	if apiKey := strings.TrimSpace(r.FormValue("apiKey")); apiKey != "" {
		opts.Credential = apiKey
	}

	if err := m.store.SaveOptions(r.Context(), sessionID, opts); err != nil {
		m.logger.Error("Failed to save options",
			slog.String("session", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	c.SetOptions(opts)

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleStatus reports the stream status of the session as JSON. It never starts a session.
func (m Main) HandleStatus(w http.ResponseWriter, r *http.Request) {
	_, c, ok := m.existingSession(r)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	res := statusResponse{
		Status:        c.Status().String(),
		Messages:      len(c.Messages()),
		CanRegenerate: c.CanRegenerate(),
	}
	if err := c.LastError(); err != nil {
		res.Error = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		m.logger.Error("Failed to encode status", slog.String(errLoggerKey, err.Error()))
	}
}

// HandleSSE serves the Server-Sent Events stream of the session.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

func (m Main) chatbox(c *stream.Coordinator) (chatboxData, error) {
	status := c.Status()
	msgs := c.Messages()

	data := chatboxData{
		Messages:      make([]message, 0, len(msgs)),
		Status:        status.String(),
		Typing:        status == models.StatusInitialWait,
		InFlight:      status.InFlight(),
		CanRegenerate: c.CanRegenerate(),
		SubmitLabel:   "Submit",
		Banner:        persona.Banner(c.Options().Character),
	}
	if data.InFlight {
		data.SubmitLabel = "Stop"
	}

	for _, msg := range msgs {
		content, err := m.renderContent(msg)
		if err != nil {
			return chatboxData{}, err
		}
		data.Messages = append(data.Messages, message{
			ID:        msg.ID,
			Role:      string(msg.Role),
			Content:   content,
			Timestamp: msg.Timestamp,
		})
	}
	return data, nil
}

// publish pushes the re-rendered conversation of a session to its SSE topic. It is the observer of the
// session's coordinator.
func (m Main) publish(sessionID string, c *stream.Coordinator, e stream.Event) {
	topic := sessionTopic(sessionID)

	if e.Type == stream.EventError {
		msg := sse.Message{Type: errorSSEType}
		msg.AppendData(e.Err.Error())
		if err := m.sseSrv.Publish(&msg, topic); err != nil {
			m.logger.Error("Failed to publish error", slog.String(errLoggerKey, err.Error()))
		}
		return
	}

	if e.Type == stream.EventStatus {
		msg := sse.Message{Type: statusSSEType}
		msg.AppendData(e.Status.String())
		if err := m.sseSrv.Publish(&msg, topic); err != nil {
			m.logger.Error("Failed to publish status", slog.String(errLoggerKey, err.Error()))
			return
		}
	}

	data, err := m.chatbox(c)
	if err != nil {
		m.logger.Error("Failed to render chatbox",
			slog.String("session", sessionID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "messages", data); err != nil {
		m.logger.Error("Failed to execute messages template", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: messagesSSEType}
	msg.AppendData(sb.String())
	if err := m.sseSrv.Publish(&msg, topic); err != nil {
		m.logger.Error("Failed to publish messages", slog.String(errLoggerKey, err.Error()))
	}
}
