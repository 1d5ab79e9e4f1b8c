package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"deskchat/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// ClaimEmail carries the member identity; "sub" is used when it is absent.
const ClaimEmail = "email"

// Options 控制签名与TTL等参数。
type Options struct {
	Secret []byte        // HMAC 密钥
	Alg    string        // HS256/HS384/HS512（默认 HS256）
	TTL    time.Duration // 令牌有效期（默认 2h）
	Issuer string
}

type JWTClaims struct {
	jwtlib.MapClaims
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// Generate signs a token for the member identity.
func Generate(opts Options, identity string, scopes []string) (token string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := jwtlib.MapClaims{
		"sub":      identity,
		ClaimEmail: identity,
		"iat":      now.Unix(),
		"nbf":      now.Unix(),
		"exp":      exp.Unix(),
	}
	if opts.Issuer != "" {
		claims["iss"] = opts.Issuer
	}
	if len(scopes) > 0 {
		claims["scope"] = scopes
	}

	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func Verify(opts Options, token string) (*JWTClaims, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(token) == "" {
		return nil, errs.ErrTokenMissing.Wrap()
	}
	// 只接受配置的那一种算法
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		return opts.Secret, nil
	}, jwtlib.WithValidMethods([]string{method.Alg()}))
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return nil, errs.ErrTokenExpired.WrapMsg(err.Error())
		}
		return nil, errs.ErrTokenInvalid.WrapMsg(err.Error())
	}
	if !parsed.Valid {
		return nil, errs.ErrTokenInvalid.WrapMsg("invalid token")
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, errs.ErrTokenInvalid.WrapMsg("claims type mismatch")
	}
	return &JWTClaims{claims}, nil
}

// Identity returns the "email" claim, falling back to "sub".
func (c *JWTClaims) Identity() (string, error) {
	if v, ok := c.MapClaims[ClaimEmail].(string); ok && strings.TrimSpace(v) != "" {
		return v, nil
	}
	if sub, err := c.GetSubject(); err == nil && strings.TrimSpace(sub) != "" {
		return sub, nil
	}
	return "", errs.ErrTokenInvalid.WrapMsg("identity claim missing")
}

// Verifier turns a raw bearer token into a member identity.
type Verifier struct {
	opts Options
}

func NewVerifier(opts Options) *Verifier { return &Verifier{opts: opts} }

func (v *Verifier) Identity(token string) (string, error) {
	claims, err := Verify(v.opts, token)
	if err != nil {
		return "", err
	}
	return claims.Identity()
}

// BearerToken returns the credential of an "Authorization: Bearer" value
// (scheme is case-insensitive); other schemes yield "".
func BearerToken(header string) string {
	h := strings.TrimSpace(header)
	if len(h) >= 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
