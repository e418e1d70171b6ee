package user

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"orgchat/module/user/model"
	"orgchat/tools/errs"
)

// MemoryDirectory is an in-process user store. It also records presence so
// the online flag can be checked in tests.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]*model.User
}

func NewMemoryDirectory(users ...*model.User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]*model.User)}
	for _, u := range users {
		d.users[u.UserID] = u.Clone()
	}
	return d
}

func (d *MemoryDirectory) FindUser(_ context.Context, userID string) (*model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return nil, errs.ErrUserNotFound.WrapMsg("user not found", "user", userID)
	}
	return u.Clone(), nil
}

func (d *MemoryDirectory) SameOrganization(ctx context.Context, a, b string) (bool, error) {
	return sameOrg(ctx, d, a, b)
}

func (d *MemoryDirectory) Search(_ context.Context, orgID, excludeUserID, query string, limit int) ([]*model.User, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	d.mu.RLock()
	var out []*model.User
	for _, u := range d.users {
		if u.OrganizationID != orgID || u.UserID == excludeUserID {
			continue
		}
		if q == "" || strings.Contains(strings.ToLower(u.DisplayName), q) || strings.Contains(strings.ToLower(u.Email), q) {
			out = append(out, u.Clone())
		}
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *MemoryDirectory) CreateUser(_ context.Context, u *model.User) error {
	if u == nil || u.UserID == "" {
		return errs.ErrArgs.WrapMsg("user id required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[u.UserID]; ok {
		return ErrUserExists.WrapMsg("create user", "user", u.UserID)
	}
	d.users[u.UserID] = u.Clone()
	return nil
}

func (d *MemoryDirectory) SaveUser(_ context.Context, u *model.User) error {
	if u == nil || u.UserID == "" {
		return errs.ErrArgs.WrapMsg("user id required")
	}
	d.mu.Lock()
	d.users[u.UserID] = u.Clone()
	d.mu.Unlock()
	return nil
}

func (d *MemoryDirectory) MarkOnline(_ context.Context, userID, connID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return errs.ErrUserNotFound.WrapMsg("user not found", "user", userID)
	}
	u.Online, u.ConnectionID, u.LastActive = true, connID, at
	return nil
}

func (d *MemoryDirectory) MarkOffline(_ context.Context, userID, connID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok || u.ConnectionID != connID {
		return nil
	}
	u.Online, u.ConnectionID, u.LastActive = false, "", at
	return nil
}

func (d *MemoryDirectory) Touch(_ context.Context, userID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[userID]; ok && at.After(u.LastActive) {
		u.LastActive = at
	}
	return nil
}
