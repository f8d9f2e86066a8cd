// Package logging is a thin wrapper around logrus that standardizes the
// fields this engine is allowed to log: component name, peer ID, and
// fingerprint. Key material (static private keys, signing keys, cipher
// state, shared secrets) must never be passed through this package.
//
// Grounded on the teacher's own structured-logging style
// (logrus.WithFields throughout friend/friend.go) and its "log first 8
// bytes for privacy" comment on public key material, generalized here to
// never log key material at all.
package logging

import "github.com/sirupsen/logrus"

// Fields is a restricted field set: component is required, peerID and
// fingerprint are optional (pass "" to omit).
type Fields struct {
	Component   string
	PeerID      string
	Fingerprint string
}

func (f Fields) toLogrus() logrus.Fields {
	out := logrus.Fields{"component": f.Component}
	if f.PeerID != "" {
		out["peer_id"] = f.PeerID
	}
	if f.Fingerprint != "" {
		out["fingerprint"] = f.Fingerprint
	}
	return out
}

// For returns a logrus entry scoped to the given fields, ready for
// .Debug/.Info/.Warn/.Error/.WithError.
func For(f Fields) *logrus.Entry {
	return logrus.WithFields(f.toLogrus())
}
