package suggest

import (
	"context"
	"fmt"
	"strings"

	"replybot/internal/tone"
	"replybot/internal/util"
)

// Heuristic writes template replies without any provider. It reports zero
// tokens, so it costs nothing.
type Heuristic struct{}

func (Heuristic) Model() string { return "heuristic" }

func (Heuristic) GenerateText(_ context.Context, req TextRequest) (TextResult, error) {
	text := util.NormalizeWhitespace(req.SourceText)
	if text == "" {
		return TextResult{}, fmt.Errorf("empty source post")
	}
	return TextResult{Text: FitLimit(generateTemplate(req.ToneName, text), req.MaxChars)}, nil
}

func (Heuristic) GenerateImage(context.Context, string) (Image, error) {
	return Image{}, ErrImagesUnsupported
}

func generateTemplate(toneName, postText string) string {
	excerpt := util.Truncate(postText, 120)
	switch {
	case strings.EqualFold(toneName, tone.Humor):
		return fmt.Sprintf("Okay, \"%s\" made me laugh more than it should have.", excerpt)
	case strings.EqualFold(toneName, tone.Sarcastic):
		return "Bold of you to say this out loud. Respect."
	case strings.EqualFold(toneName, tone.HugeFan):
		return fmt.Sprintf("Been following your work for ages and this is why. \"%s\" is spot on!", excerpt)
	case strings.EqualFold(toneName, tone.Cheers):
		return "Congrats, this is great to see. Well deserved!"
	case strings.EqualFold(toneName, tone.Professional):
		return fmt.Sprintf("Good point on \"%s\". What trade-offs did you consider?", excerpt)
	}
	return fmt.Sprintf("Interesting take: %s What led you there?", excerpt)
}
