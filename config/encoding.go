package config

import (
	"encoding/base64"
	"encoding/hex"
)

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
