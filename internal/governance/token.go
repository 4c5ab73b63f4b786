package governance

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/warden/internal/apperr"
)

// maxClockSkew tolerates tokens minted by a host whose clock runs slightly ahead.
const maxClockSkew = 30 * time.Second

// Envelope is the signed content of an approval token.
type Envelope struct {
	Action     string    `json:"act"`
	Subject    string    `json:"sub"`
	ApprovalID string    `json:"aid"`
	IssuedAt   time.Time `json:"iat"`
}

// Signer mints and verifies approval tokens of the form
// base64url(envelope JSON) "." hex(HMAC-SHA256).
type Signer struct {
	secret []byte
}

func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("governance secret is empty")
	}
	return &Signer{secret: append([]byte(nil), secret...)}, nil
}

func (s *Signer) Mint(env Envelope) (string, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(body)
	return encoded + "." + hex.EncodeToString(s.sign(encoded)), nil
}

// Verify checks signature, age, action and subject, in that order, and
// returns the first failure as a coded error. It has no side effects.
func (s *Signer) Verify(token string, now time.Time, ttl time.Duration, action, subject string) (Envelope, error) {
	var env Envelope
	encoded, sig, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || encoded == "" || sig == "" {
		return env, invalidToken("malformed token")
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return env, invalidToken("malformed signature")
	}
	if subtle.ConstantTimeCompare(got, s.sign(encoded)) != 1 {
		return env, invalidToken("signature mismatch")
	}
	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return env, invalidToken("malformed envelope")
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return env, invalidToken("malformed envelope")
	}

	age := now.Sub(env.IssuedAt)
	if age < -maxClockSkew {
		return env, invalidToken("token issued in the future")
	}
	if age > ttl {
		return env, apperr.Blocked(apperr.CodeTokenExpired, "approval token expired %s ago", (age - ttl).Round(time.Second)).
			WithHint("request and approve a new governance approval")
	}
	if env.Action != action {
		return env, apperr.Blocked(apperr.CodeTokenActionMismatch, "token is for %q, not %q", env.Action, action)
	}
	if env.Subject != subject {
		return env, apperr.Blocked(apperr.CodeTokenBotMismatch, "token is for bot %s, not %s", env.Subject, subject)
	}
	return env, nil
}

func (s *Signer) sign(encoded string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encoded))
	return mac.Sum(nil)
}

// HashToken is the form stored in approval_token_hash; the token itself is
// never persisted.
func HashToken(token string) string {
	sum := blake3.Sum256([]byte(strings.TrimSpace(token)))
	return "blake3:" + hex.EncodeToString(sum[:])
}

func invalidToken(msg string) error {
	return apperr.Blocked(apperr.CodeTokenInvalid, "%s", msg).
		WithHint("present the token returned by the approval call")
}
