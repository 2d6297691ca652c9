package utils

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strings"
)

// GenerateHMAC создает HMAC-SHA512 для данных в hex-представлении
func GenerateHMAC(data []byte, key []byte) string {
	h := hmac.New(sha512.New, key)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateHMAC проверяет HMAC за постоянное время
func ValidateHMAC(data []byte, signature string, key []byte) bool {
	if len(key) == 0 || signature == "" {
		return false
	}
	expected := GenerateHMAC(data, key)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}
