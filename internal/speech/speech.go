// Package speech wraps the speech synthesis and recognition collaborators.
// Both are optional: the gateway degrades to text-only turns when they are
// absent or failing.
package speech

import "context"

// Synthesizer converts text into audio bytes.
type Synthesizer interface {
	// Synthesize returns encoded audio for text in the given language
	// ("zh" or "en").
	Synthesize(ctx context.Context, text, lang string) ([]byte, error)
}

// Recognizer transcribes audio bytes into text.
type Recognizer interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// DetectLang selects the synthesis voice language: "zh" when the text
// contains any CJK ideograph, "en" otherwise.
func DetectLang(text string) string {
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FA5 {
			return "zh"
		}
	}
	return "en"
}
