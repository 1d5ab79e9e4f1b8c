package security

import (
	"net/http"
	"strings"

	"deskchat/tools/errs"
	"deskchat/tools/security"

	"github.com/gin-gonic/gin"
)

// context key
// 后续模块统一用这俩 key 读取
const (
	CtxTokenKey    = "authorization" // string
	CtxIdentityKey = "identity"      // string，已校验的用户标识
)

// IdentityResolver turns a bearer token into a verified identity.
type IdentityResolver interface {
	Identity(token string) (string, error)
}

type Options struct {
	// 读取哪个请求头
	HeaderToken               string // 默认 "authorization"
	EnableAuthorizationBearer bool   // 默认 true
	Resolver                  IdentityResolver
}

func DefaultOptions(resolver IdentityResolver) *Options {
	return &Options{
		HeaderToken:               "X-Auth-Token",
		EnableAuthorizationBearer: true,
		Resolver:                  resolver,
	}
}

// TokenFrom reads the raw token from the configured header or Authorization: Bearer.
func TokenFrom(r *http.Request, opts *Options) string {
	token := ""
	if opts.HeaderToken != "" {
		token = strings.TrimSpace(r.Header.Get(opts.HeaderToken))
	}
	// 兼容 Authorization: Bearer xxx
	if token == "" && opts.EnableAuthorizationBearer {
		token = security.BearerToken(r.Header.Get("Authorization"))
	}
	return token
}

func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFrom(c.Request, opts)
		if token == "" {
			abort(c, errs.ErrTokenMissing.WrapMsg("bearer token required"))
			return
		}
		identity, err := opts.Resolver.Identity(token)
		if err != nil {
			abort(c, err)
			return
		}
		c.Set(CtxTokenKey, token)
		c.Set(CtxIdentityKey, identity)
		c.Next()
	}
}

// Identity returns the verified caller set by Middleware.
func Identity(c *gin.Context) string { return c.GetString(CtxIdentityKey) }

func abort(c *gin.Context, err error) {
	ce, ok := errs.CodeOf(err)
	if !ok {
		ce = errs.ErrTokenInvalid
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": ce.Code, "message": ce.Msg})
}
