// Package utils provides common utility functions.
package utils

// MaskKey masks a credential for safe logging (shows first 8 and last 4
// chars). Use this to avoid logging API keys or payment signatures in
// plain text.
func MaskKey(key string) string {
	if key == "" {
		return "(empty)"
	}
	if len(key) < 16 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

// MaskKeyShort masks a credential showing only first 4 and last 4 chars,
// for compact log fields.
func MaskKeyShort(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
