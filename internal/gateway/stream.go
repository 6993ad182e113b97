package gateway

import (
	"context"
	"regexp"
	"strings"

	"github.com/companionkit/companiond/internal/llm"
)

// Generated text may carry inline emotion tags like "[emo:happy]". The tag
// is surfaced separately to the client and stripped from the display text,
// together with any punctuation run it leaves behind.
var (
	emoTagPattern = regexp.MustCompile(`\[emo:(\w+)\]`)
	emoTagCleanup = regexp.MustCompile(`\[emo:\w+\]\s*[!?！？。，、~]*`)
	leadingPunct  = regexp.MustCompile(`^[!?！？。，、~\s]+`)
)

// ExtractEmotion returns the token of the first emotion tag in text, or nil
// when there is none.
func ExtractEmotion(text string) *string {
	m := emoTagPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	return &m[1]
}

// CleanResponse strips every emotion tag (and trailing punctuation run)
// from text, then removes punctuation left dangling at the start.
func CleanResponse(text string) string {
	clean := emoTagCleanup.ReplaceAllString(text, "")
	clean = strings.TrimSpace(clean)
	return leadingPunct.ReplaceAllString(clean, "")
}

// streamTurn runs the streaming response pipeline for one chat turn: every
// generation fragment is appended to the accumulator and forwarded as a
// stream event immediately; when the fragment sequence is exhausted the
// accumulated text is finalized and exactly one stream_end event is
// emitted. On generation failure no stream_end is sent and the caller
// reports the aborted turn.
func (g *Gateway) streamTurn(ctx context.Context, c *Client, content, facts string) (emo *string, clean string, err error) {
	c.state.accumulator.Reset()

	req := llm.BuildRequest(g.cfg.LLM, facts, c.state.history, content)

	streamCtx, cancel := context.WithTimeout(ctx, g.cfg.GenerationTimeout())
	defer cancel()

	err = g.generator.Stream(streamCtx, req, func(chunk string) error {
		c.state.accumulator.WriteString(chunk)
		c.sendEvent(&StreamEvent{Type: TypeStream, Delta: chunk})
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	full := c.state.accumulator.String()
	emo = ExtractEmotion(full)
	clean = CleanResponse(full)

	c.sendEvent(&StreamEndEvent{Type: TypeStreamEnd, Emo: emo, Content: clean})
	return emo, clean, nil
}
