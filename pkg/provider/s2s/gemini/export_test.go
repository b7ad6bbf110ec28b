package gemini

import "github.com/MrWong99/leadline/pkg/provider/s2s"

// SessionDone exposes the lifetime of a session returned by Connect.
func SessionDone(sess s2s.Session) <-chan struct{} {
	return sess.(*session).ctx.Done()
}
