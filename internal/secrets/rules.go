package secrets

// DefaultRules are the extra rules run next to the gitleaks ruleset. They
// catch credentials embedded in URLs, bearer headers and key=value
// assignments whose values gitleaks rejects on entropy.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "connection-string", Pattern: `(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp|nats)://[^\s:/@]+:[^\s@]+@\S+`},
		{ID: "bearer-token", Pattern: `(?i)\bbearer\s+[A-Za-z0-9_\-\.=]{20,}`, Keywords: []string{"bearer"}},
		{ID: "assigned-secret", Pattern: `(?i)\b(?:api[_-]?key|secret|password|passwd|token)\s*[:=]\s*['"]?[^\s'"]{8,}`, Keywords: []string{"key", "secret", "pass", "token"}},
	}
}
