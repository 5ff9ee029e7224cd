// Package cost prices a single reply: generation tokens, images and X API calls.
package cost

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Price is a model's list price in USD per million tokens.
type Price struct {
	InputPerMillion  decimal.Decimal
	OutputPerMillion decimal.Decimal
}

func price(in, out string) Price {
	return Price{InputPerMillion: decimal.RequireFromString(in), OutputPerMillion: decimal.RequireFromString(out)}
}

var (
	million = decimal.NewFromInt(1_000_000)

	// DefaultPrice applies to models missing from the table.
	DefaultPrice = price("0.50", "1.50")

	// ImageCost is charged once per generated image.
	ImageCost = decimal.RequireFromString("0.04")
	// PostCost is the X API charge for creating a post.
	PostCost = decimal.RequireFromString("0.01")
	// MediaCost is the extra X API charge when media is attached.
	MediaCost = decimal.RequireFromString("0.01")

	pricing = map[string]Price{
		"gpt-4o-mini":      price("0.15", "0.60"),
		"gpt-4o":           price("2.50", "10.00"),
		"gpt-4.1":          price("2.00", "8.00"),
		"gpt-4.1-mini":     price("0.40", "1.60"),
		"gpt-4.1-nano":     price("0.10", "0.40"),
		"gpt-5-mini":       price("0.25", "2.00"),
		"claude-3-5-haiku": price("0.80", "4.00"),
		"claude-sonnet-4":  price("3.00", "15.00"),
		"grok-3":           price("3.00", "15.00"),
		"grok-3-mini":      price("0.30", "0.50"),
	}
)

// Lookup returns the price for modelID and whether it was listed.
func Lookup(modelID string) (Price, bool) {
	p, ok := pricing[modelID]
	if !ok {
		return DefaultPrice, false
	}
	return p, true
}

// Models lists the priced model ids, sorted.
func Models() []string {
	out := make([]string, 0, len(pricing))
	for k := range pricing {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Breakdown is the cost of one reply in USD.
type Breakdown struct {
	Text  decimal.Decimal
	Image decimal.Decimal
	API   decimal.Decimal
	Total decimal.Decimal
}

// Compute prices one posted reply. Media is attached exactly when an image
// was generated. Negative token counts are treated as zero.
func Compute(inputTokens, outputTokens int64, imageGenerated bool, modelID string) Breakdown {
	p, _ := Lookup(modelID)
	in := decimal.NewFromInt(max(inputTokens, 0))
	out := decimal.NewFromInt(max(outputTokens, 0))
	text := in.Mul(p.InputPerMillion).Add(out.Mul(p.OutputPerMillion)).Div(million)

	image := decimal.Zero
	api := PostCost
	if imageGenerated {
		image = ImageCost
		api = api.Add(MediaCost)
	}
	return Breakdown{Text: text, Image: image, API: api, Total: text.Add(image).Add(api)}
}

// Unposted drops the API component for content that was generated but never
// sent to the platform.
func (b Breakdown) Unposted() Breakdown {
	b.API = decimal.Zero
	b.Total = b.Text.Add(b.Image)
	return b
}

// Strings renders the four components for storage.
func (b Breakdown) Strings() (text, image, api, total string) {
	return b.Text.String(), b.Image.String(), b.API.String(), b.Total.String()
}
