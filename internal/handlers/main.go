package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	moodchat "github.com/MegaGrindStone/mood-chat"
	"github.com/MegaGrindStone/mood-chat/internal/conversation"
	"github.com/MegaGrindStone/mood-chat/internal/models"
	"github.com/MegaGrindStone/mood-chat/internal/persona"
	"github.com/MegaGrindStone/mood-chat/internal/stream"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
)

// Store defines the interface for persisting the chat options of a session. Conversations themselves
// are never persisted.
type Store interface {
	Options(ctx context.Context, sessionID string) (models.Options, bool, error)
	SaveOptions(ctx context.Context, sessionID string, opts models.Options) error
}

// Main handles the core functionality of the chat application, managing server-sent events, HTML
// templates, and one stream coordinator per browser session.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  goldmark.Markdown

	llm   stream.LLM
	store Store

	sessions *sessions

	logger *slog.Logger
}

type sessions struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
}

type sessionEntry struct {
	coordinator *stream.Coordinator
	lastSeen    time.Time
}

const (
	sessionCookie = "mood_chat_session"
	errLoggerKey  = "err"

	// sessionIdleTimeout is how long an idle session keeps its conversation after its last request.
	sessionIdleTimeout = time.Hour
)

// NewMain creates a new Main instance with the provided LLM and Store implementations. It initializes
// the SSE server, subscribing every client to the topic of its own session, and parses the required
// HTML templates from the embedded filesystem.
func NewMain(llm stream.LLM, store Store, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		moodchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	logger = logger.With(slog.String("module", "main"))

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(w http.ResponseWriter, r *http.Request) ([]string, bool) {
				sessionID, ok := sessionFromRequest(r)
				if !ok {
					http.Error(w, "Session is required", http.StatusBadRequest)
					return nil, false
				}
				return []string{sse.DefaultTopic, sessionTopic(sessionID)}, true
			},
			Logger: func(*http.Request) *slog.Logger {
				return logger.With(slog.String("component", "sse"))
			},
		},
		templates: tmpl,
		markdown:  newMarkdown(),
		llm:       llm,
		store:     store,
		sessions: &sessions{
			entries: make(map[string]*sessionEntry),
		},
		logger: logger,
	}, nil
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

func sessionFromRequest(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return "", false
	}
	if _, err := uuid.Parse(cookie.Value); err != nil {
		return "", false
	}
	return cookie.Value, true
}

// session returns the session ID and coordinator of the request, starting a new session with a fresh
// conversation when the request carries none or its session has expired.
func (m Main) session(w http.ResponseWriter, r *http.Request) (string, *stream.Coordinator) {
	if sessionID, c, ok := m.existingSession(r); ok {
		return sessionID, c
	}

	sessionID, ok := sessionFromRequest(r)
	if !ok {
		sessionID = uuid.New().String()
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookie,
			Value:    sessionID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	opts, found, err := m.store.Options(r.Context(), sessionID)
	if err != nil {
		m.logger.Error("Failed to load options",
			slog.String("session", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
	if !found {
		opts = models.Options{
			Character: persona.DefaultCharacter(),
			Mood:      persona.DefaultMood(),
		}
	}

	var c *stream.Coordinator
	c = stream.NewCoordinator(m.llm, conversation.NewStore(), func(e stream.Event) {
		m.publish(sessionID, c, e)
	}, m.logger.With(slog.String("session", sessionID)))
	c.SetOptions(persona.Normalize(opts))

	now := time.Now()

	m.sessions.mu.Lock()
	defer m.sessions.mu.Unlock()

	// A concurrent request of the same session may have won the race.
	if e, ok := m.sessions.entries[sessionID]; ok {
		e.lastSeen = now
		return sessionID, e.coordinator
	}

	m.sessions.evictIdle(now, m.logger)
	m.sessions.entries[sessionID] = &sessionEntry{coordinator: c, lastSeen: now}
	return sessionID, c
}

// existingSession returns the live session of the request without creating one.
func (m Main) existingSession(r *http.Request) (string, *stream.Coordinator, bool) {
	sessionID, ok := sessionFromRequest(r)
	if !ok {
		return "", nil, false
	}

	m.sessions.mu.Lock()
	defer m.sessions.mu.Unlock()

	e, ok := m.sessions.entries[sessionID]
	if !ok {
		return "", nil, false
	}
	e.lastSeen = time.Now()
	return sessionID, e.coordinator, true
}

// evictIdle drops sessions not seen for sessionIdleTimeout. Sessions with a stream in flight are kept.
// It must be called with s.mu held.
func (s *sessions) evictIdle(now time.Time, logger *slog.Logger) {
	for id, e := range s.entries {
		if now.Sub(e.lastSeen) < sessionIdleTimeout || e.coordinator.Status().InFlight() {
			continue
		}
		delete(s.entries, id)
		logger.Debug("Session expired", slog.String("session", id))
	}
}

// Shutdown stops every in-flight stream and gracefully terminates the SSE server. It broadcasts a close
// message to all connected clients and waits up to 5 seconds for connections to terminate. After the
// timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.sessions.mu.Lock()
	for _, e := range m.sessions.entries {
		e.coordinator.RequestStop()
	}
	m.sessions.mu.Unlock()

	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
