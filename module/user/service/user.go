package service

import (
	"context"
	"strings"
	"time"

	"orgchat/module/chat/encryption"
	"orgchat/module/user"
	usermodel "orgchat/module/user/model"
	"orgchat/tools/errs"
	jwtlib "orgchat/tools/security"
)

// ProvisionParams 新建用户：加密密钥由口令派生，口令本身不落库
type ProvisionParams struct {
	UserID         string
	OrganizationID string
	DisplayName    string
	Email          string
	Password       string
	Now            time.Time
}

// Provision creates the user record including its derived encryption key.
// An existing user is left untouched and user.ErrUserExists returned: the
// salt is generated once, chat keys stay wrapped under the stored key.
func Provision(ctx context.Context, dir user.Directory, in ProvisionParams) (*usermodel.User, error) {
	if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(in.OrganizationID) == "" {
		return nil, errs.ErrArgs.WrapMsg("user id and organization id required")
	}
	if in.Password == "" {
		return nil, errs.ErrArgs.WrapMsg("password required", "user", in.UserID)
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	key, salt, err := encryption.NewUserKey([]byte(in.Password))
	if err != nil {
		return nil, err
	}
	u := &usermodel.User{
		UserID:         in.UserID,
		OrganizationID: in.OrganizationID,
		DisplayName:    in.DisplayName,
		Email:          in.Email,
		EncryptionKey:  key,
		KeySalt:        salt,
		CreateTime:     now,
		UpdateTime:     now,
	}
	if err := dir.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

type LoginResult struct {
	Token    string    `json:"token"`
	ExpireAt time.Time `json:"expireAt"`
}

// Login re-derives the key from the password and checks it against the
// stored one, then issues a token.
func Login(ctx context.Context, dir user.Directory, opts jwtlib.Options, userID, password string) (LoginResult, error) {
	u, err := dir.FindUser(ctx, userID)
	if err != nil {
		if errs.ErrUserNotFound.Is(err) {
			return LoginResult{}, errs.ErrAuth.WrapMsg("bad credentials")
		}
		return LoginResult{}, err
	}
	if !encryption.KeyMatches(encryption.DeriveKey([]byte(password), u.KeySalt), u.EncryptionKey) {
		return LoginResult{}, errs.ErrAuth.WrapMsg("bad credentials")
	}
	token, exp, err := jwtlib.Generate(opts, u.UserID, nil)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, ExpireAt: exp}, nil
}
