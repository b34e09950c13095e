// Package auth verifies bearer tokens issued by the identity provider.
//
// ES256 tokens are checked against P-256 keys published in the provider's
// JWKS document; HS256 tokens against the legacy shared secret. Tokens
// without a recognised alg are tried against both, which keeps old tokens
// valid across a key rotation.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// Claims are the verified token claims the relay cares about.
type Claims struct {
	Subject   string `json:"sub"`
	Role      string `json:"role"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
}

type Options struct {
	// IdentityProviderURL is the base URL serving /auth/v1/.well-known/jwks.json.
	// Empty skips the fetch.
	IdentityProviderURL string
	Secret              string
	HTTPClient          *http.Client
	Now                 func() time.Time
}

type Verifier struct {
	secret  []byte
	baseURL string
	client  *http.Client
	now     func() time.Time
	keys    atomic.Pointer[KeySet]
}

// NewVerifier builds a verifier and performs the initial key fetch. A failed
// fetch leaves the verifier in HS256-only mode; it is logged, not returned.
func NewVerifier(ctx context.Context, opts Options) *Verifier {
	v := newVerifier(opts)
	if v.baseURL == "" {
		log.Warn().Str("module", "auth").Msg("no identity provider url, HS256 only")
		return v
	}
	if err := v.Refresh(ctx); err != nil {
		log.Warn().Err(err).Str("module", "auth").Msg("jwks unavailable, HS256 only")
	}
	return v
}

func newVerifier(opts Options) *Verifier {
	v := &Verifier{
		secret:  []byte(opts.Secret),
		baseURL: opts.IdentityProviderURL,
		client:  opts.HTTPClient,
		now:     opts.Now,
	}
	if v.client == nil {
		v.client = http.DefaultClient
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v
}

// SetKeys replaces the asymmetric key set. A nil set disables ES256.
func (v *Verifier) SetKeys(ks *KeySet) { v.keys.Store(ks) }

// KeyCount reports how many ES256 keys are loaded.
func (v *Verifier) KeyCount() int { return v.keys.Load().Len() }

// Refresh re-fetches the key set. On failure the current keys stay in place.
func (v *Verifier) Refresh(ctx context.Context) error {
	ks, err := FetchKeySet(ctx, v.client, v.baseURL)
	if err != nil {
		return err
	}
	v.keys.Store(ks)
	log.Info().Str("module", "auth").Int("keys", ks.Len()).Msg("jwks loaded")
	return nil
}

// RunRefresh refreshes keys every interval until ctx is done.
func (v *Verifier) RunRefresh(ctx context.Context, interval time.Duration) error {
	if interval <= 0 || v.baseURL == "" {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := v.Refresh(ctx); err != nil {
				log.Warn().Err(err).Str("module", "auth").Int("keys", v.KeyCount()).Msg("jwks refresh failed, keeping current keys")
			}
		}
	}
}

type header struct {
	Alg *string `json:"alg"`
	Kid string  `json:"kid"`
}

// Verify checks the token signature and claims. Every failure wraps one of
// ErrMalformed, ErrBadSignature, ErrExpired or ErrMissingSubject.
func (v *Verifier) Verify(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, fmt.Errorf("%w: %d segments", ErrMalformed, len(parts))
	}
	headerRaw, err := decodeSegment(parts[0])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	payloadRaw, err := decodeSegment(parts[1])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	sig, err := decodeSegment(parts[2])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}

	// A missing alg means HS256; an unreadable header leaves alg empty,
	// which takes the dual path below.
	alg, kid := "HS256", ""
	var h header
	if err := json.Unmarshal(headerRaw, &h); err != nil {
		alg = ""
	} else {
		kid = h.Kid
		if h.Alg != nil {
			alg = *h.Alg
		}
	}

	signingInput := parts[0] + "." + parts[1]
	var ok bool
	switch alg {
	case "ES256":
		ok = v.verifyES256(signingInput, sig, kid)
	case "HS256":
		ok = v.verifyHS256(signingInput, sig)
	default:
		ok = v.verifyES256(signingInput, sig, kid) || v.verifyHS256(signingInput, sig)
	}
	if !ok {
		return Claims{}, fmt.Errorf("%w: alg %q", ErrBadSignature, alg)
	}

	claims, err := decodeClaims(payloadRaw)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: claims: %v", ErrMalformed, err)
	}
	if claims.Subject == "" {
		return Claims{}, ErrMissingSubject
	}
	if claims.ExpiresAt > 0 && v.now().Unix() > claims.ExpiresAt {
		return Claims{}, fmt.Errorf("%w: exp %d", ErrExpired, claims.ExpiresAt)
	}
	return claims, nil
}

func (v *Verifier) verifyES256(signingInput string, sig []byte, kid string) bool {
	key := v.keys.Load().lookup(kid)
	if key == nil {
		return false
	}
	return jwt.SigningMethodES256.Verify(signingInput, sig, key) == nil
}

func (v *Verifier) verifyHS256(signingInput string, sig []byte) bool {
	if len(v.secret) == 0 {
		return false
	}
	return jwt.SigningMethodHS256.Verify(signingInput, sig, v.secret) == nil
}

func decodeClaims(raw []byte) (Claims, error) {
	var c struct {
		Sub  string      `json:"sub"`
		Role string      `json:"role"`
		Exp  json.Number `json:"exp"`
		Iat  json.Number `json:"iat"`
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return Claims{}, err
	}
	exp, err := numericDate(c.Exp)
	if err != nil {
		return Claims{}, fmt.Errorf("exp: %w", err)
	}
	iat, err := numericDate(c.Iat)
	if err != nil {
		return Claims{}, fmt.Errorf("iat: %w", err)
	}
	return Claims{Subject: c.Sub, Role: c.Role, ExpiresAt: exp, IssuedAt: iat}, nil
}

func numericDate(n json.Number) (int64, error) {
	if n == "" {
		return 0, nil
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

// decodeSegment decodes RFC 4648 §5 base64url, restoring padding first.
func decodeSegment(s string) ([]byte, error) {
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.URLEncoding.DecodeString(s)
}
