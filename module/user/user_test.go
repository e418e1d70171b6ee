package user_test

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"orgchat/module/user"
	"orgchat/module/user/model"
	"orgchat/module/user/service"
	"orgchat/tools/errs"
	"orgchat/tools/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(t *testing.T) []byte {
	k := make([]byte, 32)
	_, err := rand.Read(k)
	require.NoError(t, err)
	return k
}

func seed(t *testing.T) *user.MemoryDirectory {
	return user.NewMemoryDirectory(
		&model.User{UserID: "alice", OrganizationID: "acme", DisplayName: "Alice", Email: "alice@acme.io", EncryptionKey: key(t)},
		&model.User{UserID: "bob", OrganizationID: "acme", DisplayName: "Bob", Email: "bob@acme.io", EncryptionKey: key(t)},
		&model.User{UserID: "bobby", OrganizationID: "acme", DisplayName: "Bobby", EncryptionKey: key(t)},
		&model.User{UserID: "eve", OrganizationID: "evil", DisplayName: "Bob Evil", EncryptionKey: key(t)},
	)
}

func TestSameOrganization(t *testing.T) {
	ctx := context.Background()
	dir := seed(t)

	ok, err := dir.SameOrganization(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = dir.SameOrganization(ctx, "alice", "eve")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = dir.SameOrganization(ctx, "alice", "ghost")
	assert.True(t, errs.ErrUserNotFound.Is(err))
}

func TestSearchScopedToOrganization(t *testing.T) {
	dir := seed(t)
	got, err := dir.Search(context.Background(), "acme", "alice", "bob", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Bob", got[0].DisplayName)
	assert.Equal(t, "Bobby", got[1].DisplayName)

	got, err = dir.Search(context.Background(), "acme", "alice", "ACME.IO", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMarkOfflineIgnoresStaleConnection(t *testing.T) {
	ctx := context.Background()
	dir := seed(t)
	now := time.Now()

	require.NoError(t, dir.MarkOnline(ctx, "bob", "c1", now))
	require.NoError(t, dir.MarkOnline(ctx, "bob", "c2", now))
	require.NoError(t, dir.MarkOffline(ctx, "bob", "c1", now))

	u, err := dir.FindUser(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, u.Online)
	assert.Equal(t, "c2", u.ConnectionID)

	require.NoError(t, dir.MarkOffline(ctx, "bob", "c2", now))
	u, _ = dir.FindUser(ctx, "bob")
	assert.False(t, u.Online)
	assert.Empty(t, u.ConnectionID)
}

func TestResolver(t *testing.T) {
	ctx := context.Background()
	dir := seed(t)
	opts := security.DefaultOptions([]byte("test-secret"))
	r := user.NewResolver(opts, dir)

	tok, _, err := security.Generate(opts, "alice", nil)
	require.NoError(t, err)

	id, err := r.Resolve(ctx, "Bearer "+tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, "acme", id.OrganizationID)
	assert.Len(t, id.EncryptionKey, 32)

	_, err = r.Resolve(ctx, "")
	assert.True(t, errs.ErrAuth.Is(err))
	_, err = r.Resolve(ctx, "garbage")
	assert.True(t, errs.ErrAuth.Is(err))

	ghost, _, err := security.Generate(opts, "ghost", nil)
	require.NoError(t, err)
	_, err = r.Resolve(ctx, ghost)
	assert.True(t, errs.ErrAuth.Is(err))
}

func TestProvisionAndLogin(t *testing.T) {
	ctx := context.Background()
	dir := user.NewMemoryDirectory()
	opts := security.DefaultOptions([]byte("test-secret"))

	u, err := service.Provision(ctx, dir, service.ProvisionParams{
		UserID: "carol", OrganizationID: "acme", DisplayName: "Carol", Password: "hunter2",
	})
	require.NoError(t, err)
	assert.Len(t, u.EncryptionKey, 32)
	assert.Len(t, u.KeySalt, 16)

	res, err := service.Login(ctx, dir, opts, "carol", "hunter2")
	require.NoError(t, err)
	id, err := user.NewResolver(opts, dir).Resolve(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, u.EncryptionKey, id.EncryptionKey)

	_, err = service.Login(ctx, dir, opts, "carol", "wrong")
	assert.True(t, errs.ErrAuth.Is(err))
	_, err = service.Login(ctx, dir, opts, "nobody", "x")
	assert.True(t, errs.ErrAuth.Is(err))

	_, err = service.Provision(ctx, dir, service.ProvisionParams{UserID: "x", OrganizationID: "acme"})
	assert.True(t, errs.ErrArgs.Is(err))
}

func TestProvisionKeepsExistingUser(t *testing.T) {
	ctx := context.Background()
	dir := user.NewMemoryDirectory()
	params := service.ProvisionParams{UserID: "carol", OrganizationID: "acme", DisplayName: "Carol", Password: "hunter2"}

	first, err := service.Provision(ctx, dir, params)
	require.NoError(t, err)
	require.NoError(t, dir.MarkOnline(ctx, "carol", "c-1", time.Now()))

	_, err = service.Provision(ctx, dir, params)
	assert.ErrorIs(t, err, user.ErrUserExists)

	stored, err := dir.FindUser(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, first.EncryptionKey, stored.EncryptionKey)
	assert.Equal(t, first.KeySalt, stored.KeySalt)
	assert.True(t, stored.Online)
	assert.Equal(t, "c-1", stored.ConnectionID)
}
