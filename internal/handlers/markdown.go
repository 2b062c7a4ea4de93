package handlers

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/MegaGrindStone/mood-chat/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(highlighting.WithStyle("monokai")),
		),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)
}

// renderContent renders assistant messages as markdown. User messages are shown as typed. Raw HTML in
// the markdown is not rendered, so the result is safe to embed.
func (m Main) renderContent(msg models.Message) (template.HTML, error) {
	if msg.Role != models.RoleAssistant {
		return template.HTML(template.HTMLEscapeString(msg.Content)), nil
	}

	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(msg.Content), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return template.HTML(buf.String()), nil
}
