// Package hostapi implements the pure-Go primitives behind the t.* host
// surface: signed tokens (t.jwt), password hashing (t.password),
// environment loading (t.loadEnv), and root-confined filesystem reads
// (t.readSync / t.core.fs.readFile). The scripting-engine bindings call
// into this package; nothing here touches the engine.
package hostapi

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/t8nlab/titan/internal/titanerr"
	"github.com/t8nlab/titan/internal/utils"
)

// JWTSign signs payload as an HS256 token. opts may carry an expiresIn
// value: a number of seconds or a duration string ("30s", "5m", "2h",
// "1d"); when present an exp claim is added relative to now.
func JWTSign(payload map[string]any, secret string, expiresIn any) (string, error) {
	claims := jwt.MapClaims{}
	for k, v := range payload {
		claims[k] = v
	}
	if seconds, ok := expiresInSeconds(expiresIn); ok {
		claims["exp"] = time.Now().Unix() + int64(seconds)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func expiresInSeconds(v any) (uint64, bool) {
	switch x := v.(type) {
	case float64:
		if x > 0 {
			return uint64(x), true
		}
	case int64:
		if x > 0 {
			return uint64(x), true
		}
	case string:
		return utils.ParseExpiresIn(x)
	}
	return 0, false
}

// JWTVerify validates token against secret (HS256, exp enforced when
// present) and returns the claims. Failures are InvalidToken errors with
// the formatted message scripts observe as the thrown exception.
func JWTVerify(token, secret string) (map[string]any, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("token invalid")
		}
		return nil, titanerr.Wrap(titanerr.KindInvalidToken, "Invalid or expired JWT", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, titanerr.New(titanerr.KindInvalidToken, "Invalid or expired JWT: unexpected claims shape")
	}
	return map[string]any(claims), nil
}

// PasswordHash hashes a plaintext password with bcrypt at the default
// cost.
func PasswordHash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// PasswordVerify reports whether password matches hash. Any comparison
// error reads as "no match".
func PasswordVerify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// LoadEnv snapshots the process environment as a string→string map for
// t.loadEnv().
func LoadEnv() map[string]any {
	out := map[string]any{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

// ResolveWithinRoot joins path onto root, canonicalizes the result, and
// requires it to remain a descendant of the canonicalized root. This is
// the path-safety gate for every filesystem read issued through host
// APIs; a path escaping the root fails before any I/O on the target.
func ResolveWithinRoot(root, path string) (string, error) {
	canonRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		canonRoot = root
	}
	canonRoot, err = filepath.Abs(canonRoot)
	if err != nil {
		return "", titanerr.AccessDenied
	}

	target, err := filepath.EvalSymlinks(filepath.Join(root, path))
	if err != nil {
		return "", titanerr.AccessDenied
	}
	target, err = filepath.Abs(target)
	if err != nil {
		return "", titanerr.AccessDenied
	}

	if target != canonRoot && !strings.HasPrefix(target, canonRoot+string(filepath.Separator)) {
		return "", titanerr.AccessDenied
	}
	return target, nil
}

// ReadFileSync is the synchronous, root-confined read behind t.readSync
// and t.core.fs.readFile. The error is nil-mapped by the binding: the
// script sees null rather than an exception.
func ReadFileSync(root, path string) (string, error) {
	target, err := ResolveWithinRoot(root, path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
