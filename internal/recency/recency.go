package recency

import (
	"math"

	"ensemble/director/internal/types"
)

// Never is returned by TurnsSince when the speaker has no message in the history.
const Never = math.MaxInt

// TurnsSince returns how many messages separate the newest message from the newest
// message by speakerID (0 means the speaker wrote the newest message).
func TurnsSince(history []types.Message, speakerID string) int {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].SpeakerID == speakerID {
			return len(history) - 1 - i
		}
	}
	return Never
}

// Penalty maps a TurnsSince distance to its score adjustment.
func Penalty(turns int) float64 {
	switch turns {
	case 1:
		return -100
	case 2:
		return -50
	default:
		return 0
	}
}
