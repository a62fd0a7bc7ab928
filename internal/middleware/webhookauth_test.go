package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "payment-processor",
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func callWithAuth(secret, header string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	h := WebhookAuth(secret)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	_ = h(c)
	return rec
}

func TestWebhookAuthDisabledWithoutSecret(t *testing.T) {
	rec := callWithAuth("", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookAuthRejectsMissingToken(t *testing.T) {
	rec := callWithAuth("s3cret", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookAuthRejectsBadSignature(t *testing.T) {
	rec := callWithAuth("s3cret", "Bearer "+signToken(t, "wrong-secret"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookAuthAcceptsValidToken(t *testing.T) {
	rec := callWithAuth("s3cret", "Bearer "+signToken(t, "s3cret"))
	assert.Equal(t, http.StatusOK, rec.Code)
}
