package engage

import (
	"strings"

	"replybot/internal/model"
	"replybot/internal/util"
)

// spammy marks promotional posts that are never worth a reply.
var spammy = []string{"giveaway", "win big", "click here", "promo", "ref code"}

// ShouldEngage decides whether a fetched post is a reply candidate at all.
// Rejected posts get no reply row; the cursor still moves past them.
func ShouldEngage(p model.Post) bool {
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return false
	}
	return !util.ContainsAnyCaseInsensitive(text, spammy)
}
