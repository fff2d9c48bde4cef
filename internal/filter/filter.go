package filter

import "strings"

// Filter decides which inbound messages get relayed. It is a predicate
// over the sender address, the sender domain, and the subject: when an
// allow-list (addresses or domains) is configured the sender must match
// it; with no allow-list, the subject must contain one of the keywords.
// With nothing configured, nothing matches.
type Filter struct {
	senders  map[string]struct{}
	domains  map[string]struct{}
	keywords []string
}

// New builds a filter from configured allow-lists and subject keywords.
// Matching is case-insensitive throughout.
func New(senders, domains, keywords []string) *Filter {
	f := &Filter{
		senders: make(map[string]struct{}),
		domains: make(map[string]struct{}),
	}
	for _, s := range senders {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			f.senders[s] = struct{}{}
		}
	}
	for _, d := range domains {
		if d = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(d, "@"))); d != "" {
			f.domains[d] = struct{}{}
		}
	}
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			f.keywords = append(f.keywords, k)
		}
	}
	return f
}

// Match reports whether a message with the given sender and subject should
// be relayed
func (f *Filter) Match(sender, subject string) bool {
	sender = strings.ToLower(strings.TrimSpace(sender))

	if len(f.senders) > 0 || len(f.domains) > 0 {
		if _, ok := f.senders[sender]; ok {
			return true
		}
		if at := strings.LastIndex(sender, "@"); at >= 0 {
			if _, ok := f.domains[sender[at+1:]]; ok {
				return true
			}
		}
		return false
	}

	subject = strings.ToLower(subject)
	for _, k := range f.keywords {
		if strings.Contains(subject, k) {
			return true
		}
	}
	return false
}
