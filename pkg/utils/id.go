package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateMessageID generates a unique canonical message ID.
func GenerateMessageID() string {
	return uuid.NewString()
}

// GenerateCallID generates a unique call session ID.
func GenerateCallID() string {
	return fmt.Sprintf("call_%s", uuid.NewString())
}

// GenerateConnectionID generates a unique connection ID.
func GenerateConnectionID() string {
	return fmt.Sprintf("conn_%s", uuid.NewString())
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	timestamp := time.Now().UnixNano()
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", timestamp, hex.EncodeToString(b))
}
