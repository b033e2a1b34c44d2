package control

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrCodeEU/faceguard/pkg/config"
)

const testSecret = "0123456789abcdef0123"

func TestTokenService_IssueAndValidate(t *testing.T) {
	svc := NewTokenService(testSecret, time.Hour)

	token, err := svc.Issue("operator")
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)
	assert.Equal(t, tokenIssuer, claims.Issuer)
}

func TestTokenService_Expired(t *testing.T) {
	svc := NewTokenService(testSecret, time.Minute)
	issued := time.Now()
	svc.now = func() time.Time { return issued }

	token, err := svc.Issue("operator")
	require.NoError(t, err)

	svc.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestTokenService_Rejects(t *testing.T) {
	svc := NewTokenService(testSecret, time.Hour)

	other, err := NewTokenService("another-secret-of-length", time.Hour).Issue("operator")
	require.NoError(t, err)

	foreignIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":        "not-a-token",
		"wrong secret":   other,
		"foreign issuer": foreignIssuer,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Validate(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestServer_TokenAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.TokenSecret = testSecret
	s := NewServer(cfg, &MockOperator{})
	require.NotNil(t, s.Tokens())

	resp, err := s.App().Test(httptest.NewRequest("GET", "/api/status", nil))
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer nope")
	resp, err = s.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)

	token, err := s.Tokens().Issue("operator")
	require.NoError(t, err)

	req = httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = s.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = s.App().Test(httptest.NewRequest("GET", "/api/status?token="+token, nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	// Health stays open for probes.
	resp, err = s.App().Test(httptest.NewRequest("GET", "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestServer_AuthDisabledByDefault(t *testing.T) {
	s := NewServer(config.DefaultConfig(), &MockOperator{})
	assert.Nil(t, s.Tokens())
}
