package relay

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuthenticator_MintAndVerify(t *testing.T) {
	a := NewAuthenticator("s3cret")
	token, err := a.Mint("alice", time.Hour)
	require.NoError(t, err)

	claims, err := a.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Username)
	require.Equal(t, "alice", claims.Subject)
}

func TestAuthenticator_Rejects(t *testing.T) {
	a := NewAuthenticator("s3cret")
	token, err := a.Mint("alice", time.Hour)
	require.NoError(t, err)

	_, err = NewAuthenticator("other").Verify(token)
	require.Error(t, err)

	_, err = a.Verify("")
	require.Error(t, err)

	_, err = a.Verify("not.a.jwt")
	require.Error(t, err)

	expired := NewAuthenticator("s3cret")
	expired.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	old, err := expired.Mint("bob", time.Hour)
	require.NoError(t, err)
	_, err = a.Verify(old)
	require.Error(t, err)
}

func TestAuthenticator_NoSecret(t *testing.T) {
	a := NewAuthenticator("")
	_, err := a.Mint("alice", 0)
	require.ErrorIs(t, err, ErrNoSecret)
	_, err = a.Verify("anything")
	require.ErrorIs(t, err, ErrNoSecret)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws?token=q", nil)
	req.Header.Set("Authorization", "Bearer h")
	require.Equal(t, "q", bearerToken(req))

	req = httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Bearer h")
	require.Equal(t, "h", bearerToken(req))

	req = httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Basic x")
	require.Empty(t, bearerToken(req))
}
