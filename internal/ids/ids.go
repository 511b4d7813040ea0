// Package ids generates sortable resource ids and tenant credentials.
package ids

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a ULID for t. IDs generated within the same millisecond stay
// ordered.
func NewULID(t time.Time) ulid.ULID {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy)
}

// NewID returns prefix_<ulid>.
func NewID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, NewULID(time.Now()).String())
}

// NewEventID returns an evt_ prefixed event id.
func NewEventID() string {
	return NewID("evt")
}

const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomString(n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(charset)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("crypto/rand failed: %v", err))
		}
		b[i] = charset[idx.Int64()]
	}
	return string(b)
}

// NewAPIKey returns a public tenant key.
func NewAPIKey() string {
	return "pk_" + randomString(32)
}

// NewSigningSecret returns a tenant's HMAC signing secret.
func NewSigningSecret() string {
	return "sk_" + randomString(40)
}
