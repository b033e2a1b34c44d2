package control

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/MrCodeEU/faceguard/pkg/logging"
)

const tokenIssuer = "faceguard"

var (
	// ErrInvalidToken is returned when a token fails validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned for a well-formed token past its expiry.
	ErrExpiredToken = errors.New("token expired")
)

// Claims are the JWT claims of an operator token.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenService issues and validates HS256 operator tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService creates a token service signing with secret.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed token for subject.
func (s *TokenService) Issue(subject string) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Validate parses token and checks its signature, issuer and lifetime.
func (s *TokenService) Validate(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// requireToken accepts a bearer header or, for websocket clients that
// cannot set headers, a token query parameter.
func (s *Server) requireToken(c *fiber.Ctx) error {
	token := bearerToken(c)
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
	}

	claims, err := s.tokens.Validate(token)
	if err != nil {
		logging.Component("control").WithError(err).Debug("Rejected token")
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	}
	c.Locals("subject", claims.Subject)
	return c.Next()
}
