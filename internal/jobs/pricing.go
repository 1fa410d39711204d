package jobs

import "creatorstudio/internal/ledger"

// Action identifies a paid generation action.
type Action string

const (
	ActionVideoGeneration Action = "video_generation"
	ActionMusicGeneration Action = "music_generation"
	ActionSFXGeneration   Action = "sfx_generation"
)

// Fixed per-action credit prices.
const (
	CostVideoGeneration int64 = 10
	CostMusicGeneration int64 = 10
	CostSFXGeneration   int64 = 3
)

// Cost returns the credit price of the action.
func (a Action) Cost() int64 {
	switch a {
	case ActionMusicGeneration:
		return CostMusicGeneration
	case ActionSFXGeneration:
		return CostSFXGeneration
	default:
		return CostVideoGeneration
	}
}

// TransactionType maps the action to its ledger entry type.
func (a Action) TransactionType() ledger.TransactionType {
	switch a {
	case ActionMusicGeneration:
		return ledger.TypeMusicGeneration
	case ActionSFXGeneration:
		return ledger.TypeSFXGeneration
	default:
		return ledger.TypeVideoGeneration
	}
}

// Description is the human-readable ledger description for the action.
func (a Action) Description() string {
	switch a {
	case ActionMusicGeneration:
		return "Music generation"
	case ActionSFXGeneration:
		return "Sound effect generation"
	default:
		return "Video generation"
	}
}
