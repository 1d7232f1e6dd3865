package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Options 控制签名与TTL等参数。
type Options struct {
	Secret []byte        // HMAC 密钥（生产用ENV/KMS）
	Alg    string        // HS256/HS384/HS512（默认 HS256）
	TTL    time.Duration // 令牌有效期（默认 2h）
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Identity 是握手凭证校验后的结果，网关只认这里的字段。
type Identity struct {
	UserID   string
	DeviceID string
	Scopes   []string
	ExpireAt time.Time
}

// Generate 签发令牌（测试与内部工具使用；生产由身份服务签发）
func Generate(opts Options, userID, deviceID string, scopes []string) (token string, expireAt time.Time, err error) {
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
		"sub": userID,
		"dev": deviceID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}
	if len(scopes) > 0 {
		claims["scope"] = scopes
	}

	tok := jwtlib.NewWithClaims(method, claims)
	signed, err := tok.SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify 校验令牌，返回身份。对应外部身份服务的 validate(credential)。
func Verify(opts Options, token string) (*Identity, error) {
	if _, err := signingMethod(opts.Alg); err != nil {
		return nil, err
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		// 仅允许 HMAC 家族
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return opts.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, errors.New("claims type mismatch")
	}

	id := &Identity{}
	if sub, _ := claims["sub"].(string); sub != "" {
		id.UserID = sub
	} else {
		return nil, errors.New("missing sub claim")
	}
	if dev, _ := claims["dev"].(string); dev != "" {
		id.DeviceID = dev
	}
	if exp, e := claims.GetExpirationTime(); e == nil && exp != nil {
		id.ExpireAt = exp.Time
	}
	if raw, ok := claims["scope"].([]any); ok {
		for _, s := range raw {
			if str, ok := s.(string); ok {
				id.Scopes = append(id.Scopes, str)
			}
		}
	}
	return id, nil
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
