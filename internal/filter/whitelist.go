// Package filter decides which fetched messages the gateway acts upon.
// Filtering is local and runs after an unrestricted-by-subject fetch;
// server-side subject search is unreliable with some encodings, so the
// gateway deliberately fetches more and filters client-side.
package filter

import "strings"

// Rules combines the allowed-sender set and the allowed subject
// prefixes. Rules are built once at startup and never mutated.
type Rules struct {
	senders  map[string]struct{}
	domains  map[string]struct{}
	prefixes []string
}

// NewRules builds the whitelist. Sender entries are matched
// case-insensitively; an entry beginning with "@" matches every address
// of that domain. An empty sender list rejects all mail: an
// unconfigured whitelist must fail closed, not open.
func NewRules(senders, subjectPrefixes []string) Rules {
	r := Rules{
		senders: make(map[string]struct{}),
		domains: make(map[string]struct{}),
	}
	for _, s := range senders {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if strings.HasPrefix(s, "@") {
			r.domains[s] = struct{}{}
		} else {
			r.senders[s] = struct{}{}
		}
	}
	for _, p := range subjectPrefixes {
		if p = strings.TrimSpace(p); p != "" {
			r.prefixes = append(r.prefixes, p)
		}
	}
	return r
}

// AllowedSender reports whether addr is in the allowed-sender set,
// either as an exact address or by domain rule.
func (r Rules) AllowedSender(addr string) bool {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return false
	}
	if _, ok := r.senders[addr]; ok {
		return true
	}
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		if _, ok := r.domains[addr[at:]]; ok {
			return true
		}
	}
	return false
}

// MatchPrefix strips reply/forward markers from subject and returns the
// longest allowed prefix the result starts with.
func (r Rules) MatchPrefix(subject string) (string, bool) {
	s := StripReplyPrefixes(subject)
	best := ""
	for _, p := range r.prefixes {
		if strings.HasPrefix(s, p) && len(p) > len(best) {
			best = p
		}
	}
	return best, best != ""
}

// Accept reports whether a message passes both whitelist predicates:
// the sender is allowed and the stripped subject carries an allowed
// prefix.
func (r Rules) Accept(sender, subject string) bool {
	if !r.AllowedSender(sender) {
		return false
	}
	_, ok := r.MatchPrefix(subject)
	return ok
}

// replyMarkers are the leading markers stripped, possibly repeatedly,
// before prefix matching.
var replyMarkers = []string{"re:", "fwd:", "fw:"}

// StripReplyPrefixes removes leading Re:/Fwd:/FW: markers
// (case-insensitive, repeated) and surrounding whitespace. Stripping is
// idempotent.
func StripReplyPrefixes(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		stripped := false
		lower := strings.ToLower(s)
		for _, m := range replyMarkers {
			if strings.HasPrefix(lower, m) {
				s = strings.TrimSpace(s[len(m):])
				stripped = true
				break
			}
		}
		if !stripped {
			return s
		}
	}
}
