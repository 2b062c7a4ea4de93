// Package persona holds the characters and moods a user can give the assistant, and composes them
// into the system prompt sent with every request.
package persona

import (
	"fmt"
	"slices"
	"strings"

	"github.com/MegaGrindStone/mood-chat/internal/models"
)

// Characters lists the selectable characters. The first entry means no character at all.
var Characters = []string{
	"Default",
	"Pirate",
	"Cowboy",
	"Wizard",
	"Robot",
	"Detective",
	"Shakespearean Poet",
}

// Moods lists the selectable moods. The first entry means no particular mood.
var Moods = []string{
	"Neutral",
	"Happy",
	"Sad",
	"Angry",
	"Sarcastic",
	"Excited",
}

// DefaultCharacter returns the character that means no character.
func DefaultCharacter() string {
	return Characters[0]
}

// DefaultMood returns the mood that means no particular mood.
func DefaultMood() string {
	return Moods[0]
}

// Normalize replaces an unknown mood or character in opts with the defaults.
func Normalize(opts models.Options) models.Options {
	if !slices.Contains(Characters, opts.Character) {
		opts.Character = DefaultCharacter()
	}
	if !slices.Contains(Moods, opts.Mood) {
		opts.Mood = DefaultMood()
	}
	opts.CustomInstruction = strings.TrimSpace(opts.CustomInstruction)
	return opts
}

// SystemPrompt composes base with the character, mood and custom instruction of opts. Defaults add
// nothing, so an empty base with default options yields an empty prompt.
func SystemPrompt(base string, opts models.Options) string {
	opts = Normalize(opts)

	var parts []string
	if base = strings.TrimSpace(base); base != "" {
		parts = append(parts, base)
	}
	if opts.Character != DefaultCharacter() {
		parts = append(parts, fmt.Sprintf("You are a %s. Stay in character for the whole conversation.",
			strings.ToLower(opts.Character)))
	}
	if opts.Mood != DefaultMood() {
		parts = append(parts, fmt.Sprintf("Answer in a %s mood.", strings.ToLower(opts.Mood)))
	}
	if opts.CustomInstruction != "" {
		parts = append(parts, opts.CustomInstruction)
	}
	return strings.Join(parts, "\n\n")
}

// Banner is the line shown above the conversation when a character is selected. It is empty for
// the default character.
func Banner(character string) string {
	if character == "" || character == DefaultCharacter() || !slices.Contains(Characters, character) {
		return ""
	}
	return fmt.Sprintf("You are now speaking to a virtual %s. Cool eh?", character)
}
