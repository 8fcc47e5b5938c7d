// Package cursor encodes keyset pagination positions as opaque tokens.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Encode serialises a position into a URL-safe token.
func Encode(pos any) (string, error) {
	raw, err := json.Marshal(pos)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode into pos.
func Decode(token string, pos any) error {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("decode cursor: %w", err)
	}
	if err := json.Unmarshal(raw, pos); err != nil {
		return fmt.Errorf("decode cursor: %w", err)
	}
	return nil
}
