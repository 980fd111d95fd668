// Package extractor turns one scraped SMS into an OTP candidate.
//
// The rules are ordered and total: locate the code, classify the sender,
// resolve the country from the enclosing range. Nothing here touches the
// network, so every rule is testable on literal strings.
//
// Known false positives: the first 4-8 digit run wins, so an unrelated
// number (order id, amount) printed ahead of the real code is taken as the
// OTP. With JoinSeparated, two equal-length groups such as "500 100" are
// joined even when they are separate amounts. There is no reliable rule to
// tell them apart.
package extractor

import (
	"regexp"
	"strings"

	"otp-relay/internal/model"
	"otp-relay/internal/patterns"
)

var (
	otpPattern   = regexp.MustCompile(`\b(\d{4,8})\b`)
	splitPattern = regexp.MustCompile(`\b(\d{3,4})[- ](\d{3,4})\b`)
)

// Candidate is the structured result of a successful extraction.
type Candidate struct {
	OTP     string
	Service string
	Country string
}

// Options tunes extraction.
type Options struct {
	// JoinSeparated accepts codes printed in two equal-length groups
	// ("840-113", "840 113") and rejoins them ("840113").
	JoinSeparated bool
}

type Extractor struct {
	opts Options
}

func New(opts Options) *Extractor {
	return &Extractor{opts: opts}
}

// Extract classifies msg. The second return is false when the text carries
// no code; that is a normal filtering outcome, not an error.
func (e *Extractor) Extract(msg model.RawMessage) (Candidate, bool) {
	code, ok := e.Code(msg.Text)
	if !ok {
		return Candidate{}, false
	}
	return Candidate{
		OTP:     code,
		Service: patterns.ServiceFor(msg.Text),
		Country: countryLabel(msg.Range),
	}, true
}

// Code finds the OTP in text. When both a plain and a split code are
// present, the one that appears first in the text wins.
func (e *Extractor) Code(text string) (string, bool) {
	plain := otpPattern.FindStringSubmatchIndex(text)
	if e.opts.JoinSeparated {
		split := firstSplit(text)
		if split != nil && (plain == nil || split[0] <= plain[0]) {
			return text[split[2]:split[3]] + text[split[4]:split[5]], true
		}
	}
	if plain == nil {
		return "", false
	}
	return text[plain[2]:plain[3]], true
}

// firstSplit returns the first two-group match whose groups have the same
// length. "1234 100" is a code followed by a quantity, not one code.
func firstSplit(text string) []int {
	for _, m := range splitPattern.FindAllStringSubmatchIndex(text, -1) {
		if m[3]-m[2] == m[5]-m[4] {
			return m
		}
	}
	return nil
}

func countryLabel(r model.Range) string {
	if r.Country != "" {
		flag, _ := patterns.Flag(r.Country)
		return flag + " " + r.Country
	}
	return patterns.CountryLabel(strings.TrimSpace(r.Name))
}
