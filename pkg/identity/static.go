package identity

import "context"

// StaticProvider resolves tokens from a fixed table. It is the test double
// selected by Config.IdentityMode="static" and must never be enabled in
// production deployments.
type StaticProvider struct {
	tokens map[string]string // token -> actor id
}

func NewStaticProvider(tokens map[string]string) *StaticProvider {
	return &StaticProvider{tokens: tokens}
}

func (p *StaticProvider) Authenticate(_ context.Context, token string) (*Principal, error) {
	actorID, ok := p.tokens[token]
	if !ok {
		return nil, ErrInvalidToken
	}
	return &Principal{ID: actorID}, nil
}
