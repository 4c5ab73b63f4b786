package governance

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/warden/internal/apperr"
)

func TestSignerVerify(t *testing.T) {
	s, err := NewSigner([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	issued := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	token, err := s.Mint(Envelope{Action: ActionPromoteLive, Subject: "b1", ApprovalID: "a1", IssuedAt: issued})
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		at      time.Time
		action  string
		subject string
		code    apperr.Code
	}{
		{name: "valid at issue", token: token, at: issued, action: ActionPromoteLive, subject: "b1"},
		{name: "valid at ttl", token: token, at: issued.Add(5 * time.Minute), action: ActionPromoteLive, subject: "b1"},
		{name: "expired at T+301s", token: token, at: issued.Add(301 * time.Second), action: ActionPromoteLive, subject: "b1", code: apperr.CodeTokenExpired},
		{name: "wrong action", token: token, at: issued, action: "PROMOTE_SHADOW_TO_CANARY", subject: "b1", code: apperr.CodeTokenActionMismatch},
		{name: "wrong bot", token: token, at: issued, action: ActionPromoteLive, subject: "b2", code: apperr.CodeTokenBotMismatch},
		{name: "tampered", token: tamper(token), at: issued, action: ActionPromoteLive, subject: "b1", code: apperr.CodeTokenInvalid},
		{name: "garbage", token: "not-a-token", at: issued, action: ActionPromoteLive, subject: "b1", code: apperr.CodeTokenInvalid},
		{name: "bad hex", token: strings.Split(token, ".")[0] + ".zz", at: issued, action: ActionPromoteLive, subject: "b1", code: apperr.CodeTokenInvalid},
		{name: "from the future", token: token, at: issued.Add(-time.Minute), action: ActionPromoteLive, subject: "b1", code: apperr.CodeTokenInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := s.Verify(tt.token, tt.at, DefaultTokenTTL, tt.action, tt.subject)
			if tt.code == "" {
				require.NoError(t, err)
				assert.Equal(t, "a1", env.ApprovalID)
				return
			}
			assert.Equal(t, tt.code, apperr.CodeOf(err))
		})
	}
}

func TestSignerRejectsOtherSecret(t *testing.T) {
	a, err := NewSigner([]byte("secret-a"))
	require.NoError(t, err)
	b, err := NewSigner([]byte("secret-b"))
	require.NoError(t, err)
	now := time.Now()
	token, err := a.Mint(Envelope{Action: ActionPromoteLive, Subject: "b1", IssuedAt: now})
	require.NoError(t, err)

	_, err = b.Verify(token, now, DefaultTokenTTL, ActionPromoteLive, "b1")
	assert.Equal(t, apperr.CodeTokenInvalid, apperr.CodeOf(err))

	_, err = NewSigner(nil)
	assert.Error(t, err)
}

func TestHashTokenIsStable(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken(" abc "))
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
	assert.True(t, strings.HasPrefix(HashToken("abc"), "blake3:"))
}

// tamper flips one character of the envelope so the signature no longer matches.
func tamper(token string) string {
	b := []byte(token)
	if b[0] == 'e' {
		b[0] = 'f'
	} else {
		b[0] = 'e'
	}
	return string(b)
}
