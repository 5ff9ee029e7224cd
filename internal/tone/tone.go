// Package tone picks the voice a reply is written in.
package tone

import (
	"math/rand/v2"
	"strings"

	"replybot/internal/model"
)

// Default tone categories, in seeding order.
const (
	Humor        = "Humor"
	Sarcastic    = "Sarcastic"
	HugeFan      = "Huge Fan"
	Cheers       = "Cheers"
	Neutral      = "Neutral"
	Professional = "Professional"
)

// Default is one entry of the built-in tone catalog.
type Default struct {
	Name   string
	Prompt string
	Color  string
}

var defaults = [...]Default{
	{Humor, "Reply with light, good-natured humor. Be playful and witty without mocking the author.", "#f59e0b"},
	{Sarcastic, "Reply with dry, gentle sarcasm. Keep it clever and never mean-spirited or insulting.", "#8b5cf6"},
	{HugeFan, "Reply as an enthusiastic long-time fan. Show genuine excitement and appreciation for the post.", "#ec4899"},
	{Cheers, "Reply with warm encouragement and congratulations. Celebrate the author's news or effort.", "#10b981"},
	{Neutral, "Reply in a calm, neutral voice. Add a relevant thought or question without strong emotion.", "#6b7280"},
	{Professional, "Reply in a concise, professional voice. Add insight or a useful perspective, no slang.", "#3b82f6"},
}

// Defaults returns the built-in catalog used to seed a new user's tones.
func Defaults() []Default {
	out := make([]Default, len(defaults))
	copy(out, defaults[:])
	return out
}

// FallbackPrompt returns the built-in prompt for a tone category, defaulting
// to Neutral when the category is unknown.
func FallbackPrompt(category string) (name, prompt string) {
	for _, d := range defaults {
		if strings.EqualFold(d.Name, category) {
			return d.Name, d.Prompt
		}
	}
	return Neutral, defaults[4].Prompt
}

// Rand is the random source a draw consumes. *math/rand/v2.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// SharedRand draws from the math/rand/v2 top-level generator, which is safe
// for concurrent use.
type SharedRand struct{}

func (SharedRand) Float64() float64 { return rand.Float64() }

// Choice is the outcome of a tone selection. ToneID is empty when the
// built-in fallback was used.
type Choice struct {
	ToneID   string
	ToneName string
	Prompt   string
	Weighted bool
}

// Pick selects the tone for a reply. With no usable weights it falls back
// to the account's single tone. Pick never mutates its inputs, so it can be
// called repeatedly for previews.
func Pick(acc model.MonitoredAccount, catalog []model.Tone, rng Rand) Choice {
	type entry struct {
		tone   model.Tone
		weight float64
	}
	// Catalog order makes the draw reproducible for a seeded source.
	var entries []entry
	var total float64
	for _, t := range catalog {
		w, ok := acc.ToneWeights[t.ID]
		if !ok || w <= 0 {
			continue
		}
		entries = append(entries, entry{t, w})
		total += w
	}
	if len(entries) == 0 || rng == nil {
		name, prompt := FallbackPrompt(acc.Tone)
		return Choice{ToneName: name, Prompt: prompt}
	}
	r := rng.Float64() * total
	for _, e := range entries {
		r -= e.weight
		if r <= 0 {
			return Choice{ToneID: e.tone.ID, ToneName: e.tone.Name, Prompt: e.tone.Prompt, Weighted: true}
		}
	}
	// Float rounding can leave a sliver of remainder.
	last := entries[len(entries)-1].tone
	return Choice{ToneID: last.ID, ToneName: last.Name, Prompt: last.Prompt, Weighted: true}
}

// Preview draws n independent choices without touching any state.
func Preview(acc model.MonitoredAccount, catalog []model.Tone, rng Rand, n int) []Choice {
	out := make([]Choice, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Pick(acc, catalog, rng))
	}
	return out
}
