package main

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	maxNameLen      = 40
	minMessengerLen = 3
	maxMessengerLen = 50
	maxRosterLen    = 500
	maxMMR          = 15000
)

var (
	errInvalidNick     = errors.New("Invalid nickname")
	errInvalidTeamName = errors.New("Invalid team name")
	errInvalidCaptain  = errors.New("Invalid captain nickname")
	errInvalidTelegram = errors.New("Please provide a valid Telegram handle")
	errInvalidMMR      = errors.New("Invalid MMR")
	errRosterTooLong   = errors.New("Roster list is too long")
)

var (
	urlRegexp   = regexp.MustCompile(`(?i)(https?://|t\.me/|@everyone|@here)`)
	spaceRegexp = regexp.MustCompile(`\s+`)
)

// cleanStr trims the input and collapses internal whitespace runs to a
// single space. Absent input normalizes to the empty string.
func cleanStr(s string) string {
	return spaceRegexp.ReplaceAllString(strings.TrimSpace(s), " ")
}

// hasURL reports whether s contains a link, a t.me fragment, or a
// broadcast mention token. Case-insensitive.
func hasURL(s string) bool {
	return urlRegexp.MatchString(s)
}

// tooManyRepeats reports whether any single character repeats four or
// more times in a row ("aaaa", "!!!!" and the like). RE2 has no
// backreferences, so this walks the runes by hand.
func tooManyRepeats(s string) bool {
	var (
		prev rune
		run  int
	)
	for _, r := range s {
		if r == prev {
			run++
			if run >= 4 {
				return true
			}
		} else {
			prev = r
			run = 1
		}
	}
	return false
}

// isBadInput is the composite spam check applied to team names and
// nicknames alike.
func isBadInput(s string) bool {
	v := cleanStr(s)
	if v == "" {
		return true
	}
	if len([]rune(v)) > maxNameLen {
		return true
	}
	if hasURL(v) {
		return true
	}
	if tooManyRepeats(v) {
		return true
	}
	return false
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// parseMMR coerces the mmr field, which clients send as either a JSON
// number or a string. Returns false if absent or unparsable.
func parseMMR(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		if n == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func validMessenger(tg string) bool {
	n := len([]rune(tg))
	return n >= minMessengerLen && n <= maxMessengerLen
}

// validateSolo checks a solo submission after normalization. The first
// failing check wins and no side effects are performed.
func validateSolo(nick, messenger string, mmr float64, mmrOK bool) error {
	if isBadInput(nick) {
		return errInvalidNick
	}
	if !validMessenger(messenger) {
		return errInvalidTelegram
	}
	if !mmrOK || math.IsNaN(mmr) || math.IsInf(mmr, 0) || mmr < 0 || mmr > maxMMR {
		return errInvalidMMR
	}
	return nil
}

// validateTeam checks a team submission after normalization.
func validateTeam(team, captainNick, messenger, rosterText string) error {
	if isBadInput(team) {
		return errInvalidTeamName
	}
	if isBadInput(captainNick) {
		return errInvalidCaptain
	}
	if !validMessenger(messenger) {
		return errInvalidTelegram
	}
	if len([]rune(rosterText)) > maxRosterLen {
		return errRosterTooLong
	}
	return nil
}
