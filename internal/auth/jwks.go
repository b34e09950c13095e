package auth

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
)

// JWKSPath is appended to the identity provider base URL.
const JWKSPath = "/auth/v1/.well-known/jwks.json"

const maxJWKSBody = 1 << 20

var ErrNoUsableKey = errors.New("no usable P-256 key in key set")

type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
}

// KeySet is an immutable set of P-256 verification keys in document order.
type KeySet struct {
	keys  []*ecdsa.PublicKey
	byKid map[string]*ecdsa.PublicKey
}

// NewKeySet builds a set from already-parsed keys; kids may be empty.
func NewKeySet(kids []string, keys []*ecdsa.PublicKey) *KeySet {
	ks := &KeySet{byKid: make(map[string]*ecdsa.PublicKey, len(keys))}
	for i, k := range keys {
		ks.keys = append(ks.keys, k)
		if i < len(kids) && kids[i] != "" {
			if _, dup := ks.byKid[kids[i]]; !dup {
				ks.byKid[kids[i]] = k
			}
		}
	}
	return ks
}

// Len returns the number of keys.
func (ks *KeySet) Len() int {
	if ks == nil {
		return 0
	}
	return len(ks.keys)
}

// lookup prefers an exact kid match and falls back to the first key.
func (ks *KeySet) lookup(kid string) *ecdsa.PublicKey {
	if ks.Len() == 0 {
		return nil
	}
	if kid != "" {
		if k, ok := ks.byKid[kid]; ok {
			return k
		}
	}
	return ks.keys[0]
}

// ParseKeySet keeps every kty=EC, crv=P-256 entry with valid 32-byte
// coordinates that lie on the curve.
func ParseKeySet(data []byte) (*KeySet, error) {
	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}
	var (
		kids []string
		keys []*ecdsa.PublicKey
	)
	for _, k := range doc.Keys {
		if k.Kty != "EC" || k.Crv != "P-256" {
			continue
		}
		pub, err := p256Key(k.X, k.Y)
		if err != nil {
			continue
		}
		kids = append(kids, k.Kid)
		keys = append(keys, pub)
	}
	if len(keys) == 0 {
		return nil, ErrNoUsableKey
	}
	return NewKeySet(kids, keys), nil
}

func p256Key(xb64, yb64 string) (*ecdsa.PublicKey, error) {
	x, err := decodeSegment(xb64)
	if err != nil {
		return nil, err
	}
	y, err := decodeSegment(yb64)
	if err != nil {
		return nil, err
	}
	if len(x) != 32 || len(y) != 32 {
		return nil, fmt.Errorf("coordinate length %d/%d, want 32", len(x), len(y))
	}
	point := make([]byte, 0, 65)
	point = append(point, 0x04)
	point = append(point, x...)
	point = append(point, y...)
	if _, err := ecdh.P256().NewPublicKey(point); err != nil {
		return nil, fmt.Errorf("invalid point: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}

// FetchKeySet downloads and parses the key set published at
// {baseURL}/auth/v1/.well-known/jwks.json.
func FetchKeySet(ctx context.Context, client *http.Client, baseURL string) (*KeySet, error) {
	url := strings.TrimRight(baseURL, "/") + JWKSPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBody))
	if err != nil {
		return nil, fmt.Errorf("read jwks: %w", err)
	}
	return ParseKeySet(body)
}
