package game

// Phase is the lifecycle phase of a session.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseActive    Phase = "active"
	PhasePaused    Phase = "paused" // live variant only
	PhaseCompleted Phase = "completed"
	PhaseDeclined  Phase = "declined"
	PhaseForfeited Phase = "forfeited"
)

// Terminal reports whether no further transitions are legal from p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseDeclined || p == PhaseForfeited
}

// SubPhase is the round sub-phase, orthogonal to Phase. Null ("") once the
// session is terminal.
type SubPhase string

const (
	SubSetTrick     SubPhase = "set_trick"
	SubRespondTrick SubPhase = "respond_trick"
	SubJudge        SubPhase = "judge"
	SubNone         SubPhase = ""
)

// Judgment is the defender's call on a set trick.
type Judgment string

const (
	JudgmentPending Judgment = "pending"
	JudgmentLanded  Judgment = "landed"
	JudgmentMissed  Judgment = "missed"
)

// TurnType distinguishes the setter's clip from the defender's attempt.
type TurnType string

const (
	TurnSet      TurnType = "set"
	TurnResponse TurnType = "response"
)

// DuelState is the minimal 1v1 state the judgment rules operate on.
// The transactional gateway builds one from the locked session row, applies
// a rule, and writes the outcome back.
type DuelState struct {
	Player1ID      string
	Player2ID      string
	Player1Letters string
	Player2Letters string
	OffensiveID    string
	DefensiveID    string
}

// Letters returns the board of the given player.
func (s DuelState) Letters(playerID string) string {
	if playerID == s.Player1ID {
		return s.Player1Letters
	}
	return s.Player2Letters
}

func (s DuelState) setLetters(playerID, letters string) DuelState {
	if playerID == s.Player1ID {
		s.Player1Letters = letters
	} else {
		s.Player2Letters = letters
	}
	return s
}

// Opponent returns the other participant.
func (s DuelState) Opponent(playerID string) string {
	if playerID == s.Player1ID {
		return s.Player2ID
	}
	return s.Player1ID
}

// IsPlayer reports whether playerID participates in the duel.
func (s DuelState) IsPlayer(playerID string) bool {
	return playerID == s.Player1ID || playerID == s.Player2ID
}

func (s DuelState) swapRoles() DuelState {
	s.OffensiveID, s.DefensiveID = s.DefensiveID, s.OffensiveID
	return s
}

// Outcome is the result of applying a judgment rule to a DuelState.
type Outcome struct {
	State        DuelState
	LetterTo     string // player who earned a letter, "" if none
	RolesSwapped bool
	GameOver     bool
	WinnerID     string
	NextSub      SubPhase // SubNone when the game is over
	NextTurnID   string   // player who must act next, "" when over
}
