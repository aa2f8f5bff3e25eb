package game

import "errors"

// LiveAction is the per-round action expected in the live variant.
type LiveAction string

const (
	ActionSetTrick LiveAction = "set_trick"
	ActionAttempt  LiveAction = "attempt"
)

// LivePlayer is one ordered slot in a live session.
type LivePlayer struct {
	ID        string
	Letters   string
	Forfeited bool
}

// Out reports whether the player no longer takes turns.
func (p LivePlayer) Out() bool {
	return p.Forfeited || Eliminated(p.Letters)
}

// ErrNoActivePlayers is returned when every slot is eliminated or forfeited.
var ErrNoActivePlayers = errors.New("no active players remain")

// ActiveCount returns how many players still take turns.
func ActiveCount(players []LivePlayer) int {
	n := 0
	for _, p := range players {
		if !p.Out() {
			n++
		}
	}
	return n
}

// NextActive scans forward from (not including) the cursor, modulo the slot
// count, for the next player still in the game. The hop counter is bounded
// by len(players) so an all-out roster cannot loop forever.
func NextActive(players []LivePlayer, from int) (int, error) {
	n := len(players)
	for hops := 1; hops <= n; hops++ {
		i := (from + hops) % n
		if !players[i].Out() {
			return i, nil
		}
	}
	return 0, ErrNoActivePlayers
}

// LiveAdvance is the result of moving the live-session cursor.
type LiveAdvance struct {
	TurnIndex   int
	SetterIndex int
	Action      LiveAction
	RoundClosed bool // cursor wrapped back to the setter
	GameOver    bool
	WinnerID    string
}

// AdvanceLive moves the attempt cursor to the next active player after
// `from`. If the scan wraps back to the setter the round closes and the next
// active player after the setter becomes the new setter. When exactly one
// active player remains the session completes immediately with them as
// winner.
func AdvanceLive(players []LivePlayer, setterIndex, from int) (LiveAdvance, error) {
	if w, over := LiveWinner(players); over {
		return LiveAdvance{GameOver: true, WinnerID: w}, nil
	}

	next, err := NextActive(players, from)
	if err != nil {
		return LiveAdvance{}, err
	}

	if next == setterIndex {
		// Round closed: everyone after the setter has acted.
		newSetter, err := NextActive(players, setterIndex)
		if err != nil {
			return LiveAdvance{}, err
		}
		return LiveAdvance{
			TurnIndex:   newSetter,
			SetterIndex: newSetter,
			Action:      ActionSetTrick,
			RoundClosed: true,
		}, nil
	}

	return LiveAdvance{
		TurnIndex:   next,
		SetterIndex: setterIndex,
		Action:      ActionAttempt,
	}, nil
}

// LiveWinner reports the winner once exactly one active player remains.
// With two or more still in, the round continues.
func LiveWinner(players []LivePlayer) (string, bool) {
	var winner string
	n := 0
	for _, p := range players {
		if !p.Out() {
			winner = p.ID
			n++
		}
	}
	if n == 1 {
		return winner, true
	}
	return "", false
}

// LiveClosestToWinning picks the forfeit beneficiary in a multi-player
// session: the active player with the fewest letters, earliest slot on ties.
func LiveClosestToWinning(players []LivePlayer, exclude string) string {
	best := -1
	for i, p := range players {
		if p.Out() || p.ID == exclude {
			continue
		}
		if best == -1 || len(p.Letters) < len(players[best].Letters) {
			best = i
		}
	}
	if best == -1 {
		return ""
	}
	return players[best].ID
}
