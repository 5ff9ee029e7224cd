// Package suggest generates reply text and images.
package suggest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"replybot/internal/util"
)

// ErrImagesUnsupported is returned by generators that cannot draw.
var ErrImagesUnsupported = errors.New("image generation unsupported")

// TextRequest describes one reply to write.
type TextRequest struct {
	TonePrompt  string
	ToneName    string
	Author      string
	SourceText  string
	Temperature float64
	MaxChars    int
}

// TextResult carries the reply and the token usage billed for it.
type TextResult struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

type Image struct {
	Data     []byte
	MIMEType string
}

// Generator is a text and image generation backend.
type Generator interface {
	GenerateText(ctx context.Context, req TextRequest) (TextResult, error)
	GenerateImage(ctx context.Context, prompt string) (Image, error)
	// Model is the pricing id for text generation.
	Model() string
}

// SystemPrompt is the instruction block sent ahead of the source post.
func SystemPrompt(req TextRequest) string {
	var b strings.Builder
	b.WriteString("You write replies to posts on X on behalf of the user. ")
	b.WriteString(strings.TrimSpace(req.TonePrompt))
	if req.MaxChars > 0 {
		fmt.Fprintf(&b, " Keep the reply under %d characters.", req.MaxChars)
	}
	b.WriteString(" Reply with the reply text only: no quotes, no hashtags, no preamble.")
	return b.String()
}

// UserPrompt frames the post being replied to.
func UserPrompt(req TextRequest) string {
	src := util.Truncate(util.NormalizeWhitespace(req.SourceText), 1000)
	if req.Author != "" {
		return fmt.Sprintf("Post by @%s:\n%s", req.Author, src)
	}
	return "Post:\n" + src
}

// ImagePrompt asks for an image to accompany a reply.
func ImagePrompt(sourceText, reply string) string {
	return fmt.Sprintf("A simple, friendly illustration to accompany this social media reply. No text in the image. Post: %q Reply: %q",
		util.Truncate(util.NormalizeWhitespace(sourceText), 300), util.Truncate(reply, 300))
}

// FitLimit cleans model output and enforces the character ceiling.
func FitLimit(text string, limit int) string {
	text = util.NormalizeWhitespace(text)
	text = strings.Trim(text, "\"“”")
	text = strings.TrimSpace(text)
	if limit > 0 {
		text = util.Truncate(text, limit)
	}
	return text
}
