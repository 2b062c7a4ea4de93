package handlers

import (
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/mood-chat/internal/models"
	"github.com/MegaGrindStone/mood-chat/internal/persona"
)

type homePageData struct {
	Chatbox chatboxData

	Options    models.Options
	HasAPIKey  bool
	Characters []string
	Moods      []string
}

// HandleHome renders the chat page of the session: the conversation so far, the input box and the
// options form. A session is started if the request has none.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	sessionID, c := m.session(w, r)

	chatbox, err := m.chatbox(c)
	if err != nil {
		m.logger.Error("Failed to render chatbox",
			slog.String("session", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	opts := c.Options()
	data := homePageData{
		Chatbox:    chatbox,
		Options:    opts,
		HasAPIKey:  opts.Credential != "",
		Characters: persona.Characters,
		Moods:      persona.Moods,
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
