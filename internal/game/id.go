package game

import (
	"crypto/rand"
	"fmt"
	"time"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewMatchID returns a 10-character lowercase alphanumeric match code.
func NewMatchID() string {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		// fallback
		return fmt.Sprintf("%010x", time.Now().UnixNano()%0xffffffffff)
	}
	for i := range b {
		b[i] = idAlphabet[int(b[i])%len(idAlphabet)]
	}
	return string(b)
}
