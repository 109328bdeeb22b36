package completion

import (
	"strings"

	"github.com/xaenox/avo-bot/internal/models"
)

const (
	DefaultLanguage = "en"
	// Palmero is the casual La Palma dialect mode. It is answered with a
	// slightly higher temperature.
	Palmero = "palmero"

	DefaultTemperature = 0.7
	PalmeroTemperature = 0.8
)

const DefaultPersona = "You are AVO AI, an AI assistant specifically trained on the Canary Islands. " +
	"You have extensive knowledge about the islands' culture, history, geography, tourism, and local customs. " +
	"Always provide accurate and helpful information about the Canary Islands."

const documentsPreamble = "Use the following documents as additional context: "

var directives = map[string]string{
	"en":    "Respond only in English, whatever language the user writes in.",
	"es":    "Respond only in Spanish (español), whatever language the user writes in.",
	"it":    "Respond only in Italian (italiano), whatever language the user writes in.",
	"fr":    "Respond only in French (français), whatever language the user writes in.",
	"de":    "Respond only in German (Deutsch), whatever language the user writes in.",
	"pl":    "Respond only in Polish (polski), whatever language the user writes in.",
	Palmero: "Respond in a friendly, casual tone using the Palmero dialect from La Palma, Canary Islands. Use local expressions and a warm, familiar style.",
}

var languageNames = map[string]string{
	"en":    "English",
	"es":    "Español",
	"it":    "Italiano",
	"fr":    "Français",
	"de":    "Deutsch",
	"pl":    "Polski",
	Palmero: "Palmero",
}

// Languages lists the supported language codes in display order.
func Languages() []string {
	return []string{"en", "es", "it", "fr", "de", "pl", Palmero}
}

func IsSupported(language string) bool {
	_, ok := directives[language]
	return ok
}

// LanguageName returns the display name of a language code, or the code itself.
func LanguageName(language string) string {
	if name, ok := languageNames[language]; ok {
		return name
	}
	return language
}

// Directive returns the instruction that pins the reply language. Unknown
// codes fall back to English.
func Directive(language string) string {
	if d, ok := directives[language]; ok {
		return d
	}
	return directives[DefaultLanguage]
}

func Temperature(language string) float32 {
	if language == Palmero {
		return PalmeroTemperature
	}
	return DefaultTemperature
}

// SystemPrompt composes persona, language directive and attached documents.
func SystemPrompt(persona, language string, documents []models.Document) string {
	if persona == "" {
		persona = DefaultPersona
	}

	var b strings.Builder
	b.WriteString(persona)
	b.WriteString(" ")
	b.WriteString(Directive(language))

	if len(documents) > 0 {
		contents := make([]string, 0, len(documents))
		for _, doc := range documents {
			contents = append(contents, doc.Content)
		}
		b.WriteString(" ")
		b.WriteString(documentsPreamble)
		b.WriteString(strings.Join(contents, "\n"))
	}

	return b.String()
}
