package game

import "errors"

// ErrBadJudgment is returned when a judgment is neither landed nor missed.
var ErrBadJudgment = errors.New("judgment must be landed or missed")

// ApplyJudgment resolves the defender's LAND/BAIL call on the open round.
//
//   - missed (BAIL): the defender earns a letter and roles do NOT swap;
//     the setter keeps setting.
//   - landed: no letter, roles swap, the old defender sets next.
//
// If the letter completes the word, the game is over and the opponent wins.
func ApplyJudgment(s DuelState, result Judgment) (Outcome, error) {
	switch result {
	case JudgmentMissed:
		return accrete(s, s.DefensiveID, false), nil
	case JudgmentLanded:
		next := s.swapRoles()
		return Outcome{
			State:        next,
			RolesSwapped: true,
			NextSub:      SubSetTrick,
			NextTurnID:   next.OffensiveID,
		}, nil
	default:
		return Outcome{}, ErrBadJudgment
	}
}

// ApplySetterBail resolves the setter declaring their own attempt a bail.
// The rule is deliberately asymmetric with a judged BAIL: the setter earns
// the letter AND roles swap, so the opponent sets next.
func ApplySetterBail(s DuelState) Outcome {
	return accrete(s, s.OffensiveID, true)
}

// accrete gives loser a letter, optionally swaps roles, and checks for
// game over. On game over the opponent of the eliminated player wins.
func accrete(s DuelState, loser string, swap bool) Outcome {
	next := s.setLetters(loser, NextLetters(s.Letters(loser)))
	if swap {
		next = next.swapRoles()
	}

	if Eliminated(next.Letters(loser)) {
		return Outcome{
			State:        next,
			LetterTo:     loser,
			RolesSwapped: swap,
			GameOver:     true,
			WinnerID:     next.Opponent(loser),
			NextSub:      SubNone,
		}
	}

	return Outcome{
		State:        next,
		LetterTo:     loser,
		RolesSwapped: swap,
		NextSub:      SubSetTrick,
		NextTurnID:   next.OffensiveID,
	}
}

// ClosestToLosing picks the hard-cap loser: the participant with the most
// letters. Ties break to currentTurn, then to player1.
func ClosestToLosing(s DuelState, currentTurnID string) string {
	l1, l2 := len(s.Player1Letters), len(s.Player2Letters)
	switch {
	case l1 > l2:
		return s.Player1ID
	case l2 > l1:
		return s.Player2ID
	case currentTurnID != "":
		return currentTurnID
	default:
		return s.Player1ID
	}
}
