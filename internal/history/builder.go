// Package history bounds replayed conversation history before it is relayed
// to the agent endpoint.
package history

import (
	"agent-relay/internal/models"
)

// Stats summarises one Build call.
type Stats struct {
	System     int
	KeptTurns  int
	TotalChars int
}

// Build returns [system prefix?, trimmed non-system history, current user message].
//
// At most the first system message is kept. Of the remaining messages only the
// newest maxTurns are considered, and those are walked newest first against a
// maxChars budget; the newest message is always kept. history is not modified.
func Build(history []models.Message, currentUserText string, maxTurns, maxChars int) []models.Message {
	messages, _ := BuildWithStats(history, currentUserText, maxTurns, maxChars)
	return messages
}

// BuildWithStats is Build plus the counters used for logging.
func BuildWithStats(history []models.Message, currentUserText string, maxTurns, maxChars int) ([]models.Message, Stats) {
	var (
		system    *models.Message
		nonSystem = make([]models.Message, 0, len(history))
	)
	for i := range history {
		if history[i].Role == models.RoleSystem {
			if system == nil {
				system = &history[i]
			}
			continue
		}
		nonSystem = append(nonSystem, history[i])
	}

	if maxTurns < 0 {
		maxTurns = 0
	}
	recent := nonSystem
	if len(recent) > maxTurns {
		recent = recent[len(recent)-maxTurns:]
	}

	budget := maxChars
	kept := make([]models.Message, 0, len(recent))
	total := 0
	for i := len(recent) - 1; i >= 0; i-- {
		n := recent[i].Len()
		if n > budget && len(kept) > 0 {
			break
		}
		budget -= n
		total += n
		kept = append(kept, recent[i])
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	out := make([]models.Message, 0, len(kept)+2)
	stats := Stats{KeptTurns: len(kept), TotalChars: total}
	if system != nil {
		out = append(out, *system)
		stats.System = 1
	}
	out = append(out, kept...)
	out = append(out, models.NewMessage(models.RoleUser, currentUserText))
	return out, stats
}
