// Package callsign validates and normalises AX.25 callsigns.
//
// A full callsign is a letter-led alphanumeric base of up to six characters,
// optionally followed by an SSID suffix in the range -0..-15 (e.g. "W1AW",
// "M0XYZ-15"). The base form with the SSID stripped is the station identity
// used throughout the BBS: two connections from "KQ4PEC-7" and "KQ4PEC-9"
// belong to the same user.
package callsign

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	baseRe = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,5}$`)
	fullRe = regexp.MustCompile(`^[A-Z0-9]{1,6}(-[0-9]{1,2})?$`)
)

// Normalize returns the canonical uppercase, trimmed form of a raw callsign.
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Base returns the normalised base callsign with any SSID suffix stripped.
func Base(raw string) string {
	base, _, _ := strings.Cut(Normalize(raw), "-")
	return base
}

// SSID returns the numeric SSID suffix of a callsign, or 0 when absent.
func SSID(raw string) int {
	_, suffix, ok := strings.Cut(Normalize(raw), "-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return 0
	}
	return n
}

// Valid reports whether raw is a well-formed full callsign. The input must
// already be uppercase; lowercase callsigns are rejected, not folded.
func Valid(raw string) bool {
	cs := strings.TrimSpace(raw)
	if !fullRe.MatchString(cs) {
		return false
	}
	if cs[0] < 'A' || cs[0] > 'Z' {
		return false
	}
	if _, suffix, ok := strings.Cut(cs, "-"); ok {
		ssid, err := strconv.Atoi(suffix)
		if err != nil || ssid < 0 || ssid > 15 {
			return false
		}
	}
	return true
}

// ValidBase reports whether raw reduces to a well-formed base callsign.
// Unlike Valid it operates on the normalised form, so mixed-case input is
// accepted as long as the base itself is sound.
func ValidBase(raw string) bool {
	return baseRe.MatchString(Base(raw))
}
