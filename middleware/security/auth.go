package security

import (
	"context"
	"strings"

	"orgchat/module/user"
	"orgchat/tools/errs"

	"github.com/gin-gonic/gin"
)

// context keys
const (
	PPCtxAuthKey     = "authorization" // string, raw token
	PPCtxIdentityKey = "identity"      // user.Identity
)

type IdentityResolver interface {
	Resolve(ctx context.Context, bearer string) (user.Identity, error)
}

type Options struct {
	// 读取哪个请求头
	HeaderToken               string // 默认 "authorization"
	EnableAuthorizationBearer bool   // 默认 true
	// 允许 ?token= 传参（浏览器 websocket 无法带头）
	EnableQueryToken bool
}

func DefaultOptions() *Options {
	return &Options{
		HeaderToken:               PPCtxAuthKey,
		EnableAuthorizationBearer: true,
		EnableQueryToken:          true,
	}
}

// TokenFromRequest extracts the bearer token or "".
func TokenFromRequest(c *gin.Context, opts *Options) string {
	if opts == nil {
		opts = DefaultOptions()
	}
	token := strings.TrimSpace(c.GetHeader(opts.HeaderToken))
	// 兼容 Authorization: Bearer xxx
	if opts.EnableAuthorizationBearer && len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" && opts.EnableQueryToken {
		token = strings.TrimSpace(c.Query("token"))
	}
	return token
}

// Middleware resolves the caller and stores the Identity in the gin context.
func Middleware(resolver IdentityResolver, opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions()
	}
	return func(c *gin.Context) {
		token := TokenFromRequest(c, opts)
		if token == "" {
			abort(c, errs.ErrAuth.WrapMsg("missing token"))
			return
		}
		id, err := resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			abort(c, err)
			return
		}
		c.Set(PPCtxAuthKey, token)
		c.Set(PPCtxIdentityKey, id)
		c.Next()
	}
}

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(errs.HTTPStatus(err), errs.Response(err))
}

// IdentityFrom returns the identity set by Middleware.
func IdentityFrom(c *gin.Context) (user.Identity, bool) {
	v, ok := c.Get(PPCtxIdentityKey)
	if !ok {
		return user.Identity{}, false
	}
	id, ok := v.(user.Identity)
	return id, ok
}
