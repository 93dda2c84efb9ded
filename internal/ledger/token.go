package ledger

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// TokenSigner issues short-lived bearer tokens that identify this terminal
// to the ledger.
type TokenSigner struct {
	secret     []byte
	terminalID string
	ttl        time.Duration
	now        func() time.Time
}

type terminalClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewTokenSigner(secret string, terminalID string, ttl time.Duration) *TokenSigner {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TokenSigner{
		secret:     []byte(secret),
		terminalID: terminalID,
		ttl:        ttl,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *TokenSigner) Sign() (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("ledger token secret is empty")
	}
	issuedAt := s.now()
	claims := terminalClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   s.terminalID,
			IssuedAt:  jwtlib.NewNumericDate(issuedAt),
			ExpiresAt: jwtlib.NewNumericDate(issuedAt.Add(s.ttl)),
			Issuer:    "kasirinaja",
		},
		Role: "terminal",
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ParseTerminalToken validates a token signed by TokenSigner and returns
// the terminal id. The ledger side and tests use it.
func ParseTerminalToken(tokenStr string, secret string) (string, error) {
	claims := &terminalClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer("kasirinaja"))
	if err != nil || !token.Valid {
		return "", errors.New("invalid or expired token")
	}
	if claims.Role != "terminal" {
		return "", errors.New("token is not a terminal token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("invalid token subject")
	}
	return sub, nil
}
