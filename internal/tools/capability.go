package tools

import (
	"slices"
	"strings"
)

// CapabilitySet is a set of lower-cased capability tokens such as "file" or "download".
type CapabilitySet map[string]struct{}

// Capabilities builds a set from tokens. Tokens are trimmed and lower-cased;
// empty tokens are dropped.
func Capabilities(tokens ...string) CapabilitySet {
	s := make(CapabilitySet, len(tokens))
	for _, t := range tokens {
		s.Add(t)
	}
	return s
}

// Add inserts a token.
func (s CapabilitySet) Add(token string) {
	token = normalizeToken(token)
	if token == "" {
		return
	}
	s[token] = struct{}{}
}

// Has reports membership, ignoring case.
func (s CapabilitySet) Has(token string) bool {
	_, ok := s[normalizeToken(token)]
	return ok
}

// Union returns a new set holding the tokens of s and other.
func (s CapabilitySet) Union(other CapabilitySet) CapabilitySet {
	out := make(CapabilitySet, len(s)+len(other))
	for t := range s {
		out[t] = struct{}{}
	}
	for t := range other {
		out[t] = struct{}{}
	}
	return out
}

// Sorted returns the tokens in lexical order.
func (s CapabilitySet) Sorted() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func normalizeToken(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
