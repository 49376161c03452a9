// Package suppression decides which recipients must never be mailed again
// and records why.
//
// The policy layer is pure: it maps a recipient's bounce history and the
// triggering event to a suppression decision. The service layer applies
// decisions through a repository and answers the dispatcher's pre-send
// check, optionally through an in-memory bloom cache so the hot path
// avoids a database round trip for the overwhelmingly common negative
// case.
//
// Suppression is monotonic with respect to automatic events: nothing a
// provider reports can remove an entry. Removal is an explicit
// administrative operation.
package suppression
