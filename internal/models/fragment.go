package models

// Fragment is one incremental unit of a streamed completion response. The shape follows the
// chat-completions chunk format, so transports speaking that format can decode straight into it.
type Fragment struct {
	Choices []FragmentChoice `json:"choices"`
}

// FragmentChoice is a single choice of a Fragment.
type FragmentChoice struct {
	Delta FragmentDelta `json:"delta"`
}

// FragmentDelta carries the new text of a choice. Content is nil when the chunk carried no content
// field at all, which happens for role-only and finish chunks.
type FragmentDelta struct {
	Content *string `json:"content,omitempty"`
}

// TextFragment builds a Fragment with a single choice carrying text.
func TextFragment(text string) Fragment {
	return Fragment{
		Choices: []FragmentChoice{
			{Delta: FragmentDelta{Content: &text}},
		},
	}
}

// Text returns the delta content of the first choice and reports whether there was any.
func (f Fragment) Text() (string, bool) {
	if len(f.Choices) == 0 {
		return "", false
	}
	c := f.Choices[0].Delta.Content
	if c == nil || *c == "" {
		return "", false
	}
	return *c, true
}
