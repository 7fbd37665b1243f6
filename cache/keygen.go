package cache

import (
	"crypto/md5"
	"fmt"
	"strings"
)

var unsafeChars = strings.NewReplacer(
	"/", "_",
	"\\", "_",
	":", "_",
	"*", "_",
	"?", "_",
	"\"", "_",
	"<", "_",
	">", "_",
	"|", "_",
	"#", "_",
	"%", "_",
	"&", ",",
	" ", "+",
)

// fileName converts a query key into a name that is safe on any filesystem.
// The readable part is lossy, so a short digest of the full key keeps names unique.
func fileName(key string) string {
	hash := md5.Sum([]byte(key))
	readable := unsafeChars.Replace(key)
	// For very long keys keep only the digest to avoid filesystem limits
	if len(readable) > 150 {
		return fmt.Sprintf("hash_%x.json", hash)
	}
	return fmt.Sprintf("%s.%x.json", readable, hash[:6])
}
