package filter

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		name     string
		senders  []string
		domains  []string
		keywords []string
		sender   string
		subject  string
		want     bool
	}{
		{
			name:     "keyword fallback misses wrong sender and subject",
			keywords: []string{"invoice"},
			sender:   "billing@partner.example",
			subject:  "Weekly Report",
			want:     false,
		},
		{
			name:    "domain allow-list matches sender domain",
			domains: []string{"partner.example"},
			sender:  "billing@partner.example",
			subject: "Weekly Report",
			want:    true,
		},
		{
			name:    "sender allow-list exact match",
			senders: []string{"billing@partner.example"},
			sender:  "Billing@Partner.Example",
			subject: "anything",
			want:    true,
		},
		{
			name:    "allow-list rejects other domains",
			domains: []string{"partner.example"},
			sender:  "billing@other.example",
			subject: "anything",
			want:    false,
		},
		{
			name:     "allow-list configured ignores keywords",
			domains:  []string{"partner.example"},
			keywords: []string{"report"},
			sender:   "someone@other.example",
			subject:  "Weekly Report",
			want:     false,
		},
		{
			name:     "keyword matches case-insensitively",
			keywords: []string{"Invoice"},
			sender:   "anyone@anywhere.example",
			subject:  "your INVOICE for March",
			want:     true,
		},
		{
			name:    "domain with leading at sign",
			domains: []string{"@partner.example"},
			sender:  "a@partner.example",
			subject: "x",
			want:    true,
		},
		{
			name:    "subdomain does not match parent domain",
			domains: []string{"partner.example"},
			sender:  "a@mail.partner.example",
			subject: "x",
			want:    false,
		},
		{
			name:    "nothing configured matches nothing",
			sender:  "a@b.example",
			subject: "invoice",
			want:    false,
		},
		{
			name:     "sender without at sign only hits keywords",
			keywords: []string{"alert"},
			sender:   "MAILER-DAEMON",
			subject:  "Delivery alert",
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.senders, tt.domains, tt.keywords)
			if got := f.Match(tt.sender, tt.subject); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.sender, tt.subject, got, tt.want)
			}
		})
	}
}
