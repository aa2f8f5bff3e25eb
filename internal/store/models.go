// Package store owns all persisted session, turn, and dispute state, and the
// transactional gateway every mutator goes through. The gateway takes an
// exclusive row lock on the session as its first statement, re-reads
// canonical state, runs the caller's validation and rule application, and
// commits. Side effects stay outside.
package store

import (
	"time"

	"github.com/skateduel/backend/internal/game"
)

// Game is one async 1v1 duel row. It is the single unit of transactional
// concurrency: all mutations lock this row first.
type Game struct {
	ID                   string
	Player1ID            string
	Player1Name          string
	Player2ID            string
	Player2Name          string
	Status               game.Phase
	CurrentTurn          string // player who must act next, "" when terminal
	TurnPhase            game.SubPhase
	OffensivePlayerID    string
	DefensivePlayerID    string
	Player1Letters       string
	Player2Letters       string
	LastTrickDescription string
	LastTrickBy          string
	DeadlineAt           *time.Time
	CompletedAt          *time.Time
	WinnerID             string
	Player1DisputeUsed   bool
	Player2DisputeUsed   bool
	ProcessedEventIDs    []string
	WarningSentAt        *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Letters returns the board of the given participant.
func (g *Game) Letters(playerID string) string {
	if playerID == g.Player1ID {
		return g.Player1Letters
	}
	return g.Player2Letters
}

// SetLetters overwrites the board of the given participant.
func (g *Game) SetLetters(playerID, letters string) {
	if playerID == g.Player1ID {
		g.Player1Letters = letters
	} else {
		g.Player2Letters = letters
	}
}

// Name returns the cached display name of the given participant.
func (g *Game) Name(playerID string) string {
	if playerID == g.Player1ID {
		return g.Player1Name
	}
	return g.Player2Name
}

// Opponent returns the other participant.
func (g *Game) Opponent(playerID string) string {
	if playerID == g.Player1ID {
		return g.Player2ID
	}
	return g.Player1ID
}

// IsPlayer reports whether playerID participates in the game.
func (g *Game) IsPlayer(playerID string) bool {
	return playerID == g.Player1ID || playerID == g.Player2ID
}

// DisputeUsed reports whether playerID has spent their single dispute.
func (g *Game) DisputeUsed(playerID string) bool {
	if playerID == g.Player1ID {
		return g.Player1DisputeUsed
	}
	return g.Player2DisputeUsed
}

// MarkDisputeUsed flips the single-use dispute flag. The flag only ever
// transitions false to true.
func (g *Game) MarkDisputeUsed(playerID string) {
	if playerID == g.Player1ID {
		g.Player1DisputeUsed = true
	} else {
		g.Player2DisputeUsed = true
	}
}

// DuelState projects the row onto the pure rule state.
func (g *Game) DuelState() game.DuelState {
	return game.DuelState{
		Player1ID:      g.Player1ID,
		Player2ID:      g.Player2ID,
		Player1Letters: g.Player1Letters,
		Player2Letters: g.Player2Letters,
		OffensiveID:    g.OffensivePlayerID,
		DefensiveID:    g.DefensivePlayerID,
	}
}

// ApplyDuelState writes a rule outcome's state back onto the row.
func (g *Game) ApplyDuelState(s game.DuelState) {
	g.Player1Letters = s.Player1Letters
	g.Player2Letters = s.Player2Letters
	g.OffensivePlayerID = s.OffensiveID
	g.DefensivePlayerID = s.DefensiveID
}

// Turn is one submitted video. Rows are immutable after insert except for
// the judgment fields on the single set turn per round.
type Turn struct {
	ID               int64
	GameID           string
	PlayerID         string
	PlayerName       string
	TurnNumber       int
	TurnType         game.TurnType
	TrickDescription string
	VideoURL         string
	VideoDurationMs  int
	ThumbnailURL     string
	Result           game.Judgment
	JudgedBy         string
	JudgedAt         *time.Time
}

// Dispute is a single-use appeal of a BAIL judgment. Created exactly once
// per (game, disputer); resolved exactly once.
type Dispute struct {
	ID               int64
	GameID           string
	TurnID           int64
	DisputedBy       string
	AgainstPlayerID  string
	OriginalResult   game.Judgment
	FinalResult      game.Judgment // "" until resolved
	ResolvedBy       string
	ResolvedAt       *time.Time
	PenaltyAppliedTo string
	CreatedAt        time.Time
}

// Resolved reports whether the dispute has a final result.
func (d *Dispute) Resolved() bool {
	return d.FinalResult != ""
}

// LiveSlot is one ordered player slot of a live session, stored as jsonb.
type LiveSlot struct {
	PlayerID       string     `json:"player_id"`
	PlayerName     string     `json:"player_name"`
	Letters        string     `json:"letters"`
	Connected      bool       `json:"connected"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	Forfeited      bool       `json:"forfeited"`
}

// LiveSession is one multi-player session row (live variant).
type LiveSession struct {
	ID                string
	SpotID            string
	CreatorID         string
	Players           []LiveSlot
	MaxPlayers        int
	CurrentTurnIndex  int
	CurrentAction     game.LiveAction
	CurrentTrick      string
	SetterID          string
	Status            game.Phase
	WinnerID          string
	TurnDeadlineAt    *time.Time
	PausedAt          *time.Time
	ProcessedEventIDs []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SlotIndex returns the slot index of playerID, or -1.
func (s *LiveSession) SlotIndex(playerID string) int {
	for i, p := range s.Players {
		if p.PlayerID == playerID {
			return i
		}
	}
	return -1
}

// LivePlayers projects the slots onto the pure rule players.
func (s *LiveSession) LivePlayers() []game.LivePlayer {
	out := make([]game.LivePlayer, len(s.Players))
	for i, p := range s.Players {
		out[i] = game.LivePlayer{ID: p.PlayerID, Letters: p.Letters, Forfeited: p.Forfeited}
	}
	return out
}
