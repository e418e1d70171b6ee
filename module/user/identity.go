package user

import (
	"context"

	"orgchat/module/user/model"
	"orgchat/tools/errs"
)

var ErrUserExists = errs.New("user already exists")

// Identity is an authenticated caller as seen by the chat core.
type Identity struct {
	UserID         string
	OrganizationID string
	DisplayName    string
	EncryptionKey  []byte
}

func IdentityOf(u *model.User) Identity {
	return Identity{
		UserID:         u.UserID,
		OrganizationID: u.OrganizationID,
		DisplayName:    u.DisplayName,
		EncryptionKey:  append([]byte(nil), u.EncryptionKey...),
	}
}

// Directory is the read side of the user store the chat core consumes.
type Directory interface {
	// FindUser returns ErrUserNotFound when the id is unknown.
	FindUser(ctx context.Context, userID string) (*model.User, error)
	// SameOrganization reports whether a may message b.
	SameOrganization(ctx context.Context, a, b string) (bool, error)
	// Search matches display name or email, case insensitive, within orgID.
	Search(ctx context.Context, orgID, excludeUserID, query string, limit int) ([]*model.User, error)
	// CreateUser inserts a new user and returns ErrUserExists when the id is
	// taken. The stored key and salt are never replaced.
	CreateUser(ctx context.Context, u *model.User) error
	SaveUser(ctx context.Context, u *model.User) error
}

func sameOrg(ctx context.Context, d Directory, a, b string) (bool, error) {
	ua, err := d.FindUser(ctx, a)
	if err != nil {
		return false, err
	}
	ub, err := d.FindUser(ctx, b)
	if err != nil {
		return false, err
	}
	return ua.OrganizationID != "" && ua.OrganizationID == ub.OrganizationID, nil
}
