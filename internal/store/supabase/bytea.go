package supabase

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// encodeBytea renders b in PostgreSQL's hex bytea input format.
func encodeBytea(b []byte) string {
	return `\x` + hex.EncodeToString(b)
}

// decodeBytea accepts the hex output format and falls back to base64,
// which some PostgREST configurations emit.
func decodeBytea(v gjson.Result) ([]byte, error) {
	if v.Type == gjson.Null || !v.Exists() {
		return []byte{}, nil
	}
	if v.Type != gjson.String {
		return nil, fmt.Errorf("bytea: unexpected json type %s", v.Type)
	}
	s := v.Str
	if strings.HasPrefix(s, `\x`) {
		b, err := hex.DecodeString(s[2:])
		if err != nil {
			return nil, fmt.Errorf("bytea hex: %w", err)
		}
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bytea base64: %w", err)
	}
	return b, nil
}
