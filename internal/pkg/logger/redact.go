package logger

import "strings"

// RedactEmail masks a recipient address for log output. Dispatch,
// reconciliation, and suppression all log per-recipient lines, so raw
// addresses would otherwise end up in every log aggregator downstream.
//
// The first two characters of the local part survive, enough to correlate
// lines for one recipient without exposing the address:
//
//	"john.doe@example.com" → "jo***@example.com"
//	"ab@example.com"       → "***@example.com"
//
// Anything that does not look like an address is masked entirely.
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}
