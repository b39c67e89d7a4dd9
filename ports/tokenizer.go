package ports

import "github.com/layer-3/rivetgate/core"

// SessionTokenizer converts session tokens to and from their integrity-protected wire form
type SessionTokenizer interface {
	SessionToToken(session *core.SessionToken) (string, error)
	TokenToSession(token string) (*core.SessionToken, error)
}
