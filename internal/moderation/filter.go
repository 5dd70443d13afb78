// Package moderation screens typed content before it is broadcast or
// stored. Checks are cheap, stateless heuristics aimed at flooding and
// symbol spam; a failed check is a silent drop for the caller.
package moderation

import "unicode/utf8"

// Rules holds the heuristic thresholds.
type Rules struct {
	MaxChars       int     // longest accepted content, in characters
	MaxRun         int     // longest accepted run of one repeated character
	MaxSymbolRatio float64 // highest accepted share of symbol characters
}

// DefaultRules rejects content over 200 characters, runs of 11 or more
// identical characters, and content that is more than half symbols.
func DefaultRules() Rules {
	return Rules{
		MaxChars:       200,
		MaxRun:         10,
		MaxSymbolRatio: 0.5,
	}
}

// FilterResult describes the outcome of a content check.
type FilterResult struct {
	Blocked bool   // true if the content must be dropped
	Reason  string // check that fired: "too_long", "char_flood", "symbol_flood"
}

// Filter applies Rules to content. It holds no mutable state and is safe
// for concurrent use.
type Filter struct {
	rules Rules
}

// NewFilter creates a Filter with the given rules.
func NewFilter(rules Rules) *Filter {
	return &Filter{rules: rules}
}

// Check runs every heuristic against text; the first match wins.
// Empty content always passes.
func (f *Filter) Check(text string) FilterResult {
	if text == "" {
		return FilterResult{}
	}
	if utf8.RuneCountInString(text) > f.rules.MaxChars {
		return FilterResult{Blocked: true, Reason: "too_long"}
	}
	if longestRun(text) > f.rules.MaxRun {
		return FilterResult{Blocked: true, Reason: "char_flood"}
	}
	if symbolRatio(text) > f.rules.MaxSymbolRatio {
		return FilterResult{Blocked: true, Reason: "symbol_flood"}
	}
	return FilterResult{}
}
