package ports

import (
	"context"

	"github.com/layer-3/rivetgate/core"
)

// ProfileResolver is the optional host callback that maps an identity to an app profile.
// A nil profile means the identity is known cryptographically but not registered.
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, identity core.Identity) (any, error)
	OnAuthenticated(ctx context.Context, identity core.Identity, profile any) error
}
