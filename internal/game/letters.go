// Package game implements the pure state-transition rules of a S.K.A.T.E.
// duel: letter accretion, role swaps after judgment, multi-player turn
// advance, and game-over detection. Everything in this package is a pure
// function over immutable values, with no I/O, clocks, or locks, so the
// rules can be tested exhaustively without a database.
package game

import "strings"

// Word is the letter board a losing player fills up. Five letters = loss.
const Word = "SKATE"

// NextLetters appends the next letter of the word to the current board.
// A full board is returned unchanged.
func NextLetters(current string) string {
	if len(current) >= len(Word) {
		return current
	}
	return current + string(Word[len(current)])
}

// StripLetter removes the most recently earned letter. Used when a dispute
// over a BAIL call is upheld. An empty board is returned unchanged.
func StripLetter(current string) string {
	if current == "" {
		return current
	}
	return current[:len(current)-1]
}

// Eliminated reports whether a board spells the full word.
func Eliminated(letters string) bool {
	return letters == Word
}

// ValidLetters reports whether a board is a prefix of the word. Every
// committed state must satisfy this.
func ValidLetters(letters string) bool {
	return strings.HasPrefix(Word, letters)
}
