package user

import (
	"context"
	"strings"

	"orgchat/tools/errs"
	"orgchat/tools/security"
)

// Resolver turns a bearer credential into an Identity.
type Resolver struct {
	opts security.Options
	dir  Directory
}

func NewResolver(opts security.Options, dir Directory) *Resolver {
	return &Resolver{opts: opts, dir: dir}
}

// Resolve accepts a raw token or an "Bearer <token>" header value.
// Any failure, including an unknown user, is ErrAuth.
func (r *Resolver) Resolve(ctx context.Context, bearer string) (Identity, error) {
	token := strings.TrimSpace(bearer)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return Identity{}, errs.ErrAuth.WrapMsg("missing token")
	}
	claims, err := security.Verify(r.opts, token)
	if err != nil {
		return Identity{}, err
	}
	u, err := r.dir.FindUser(ctx, claims.UserID)
	if err != nil {
		if errs.ErrUserNotFound.Is(err) {
			return Identity{}, errs.ErrAuth.WrapMsg("unknown subject", "user", claims.UserID)
		}
		return Identity{}, err
	}
	if len(u.EncryptionKey) == 0 {
		return Identity{}, errs.ErrAuth.WrapMsg("user has no encryption key", "user", u.UserID)
	}
	return IdentityOf(u), nil
}
