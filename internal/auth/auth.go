package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/gluk-w/claworc/termsync/internal/database"
	"github.com/gluk-w/claworc/termsync/internal/logutil"
)

const (
	// KeyPrefix starts every generated API key: tsk_<prefix>_<secret>.
	KeyPrefix = "tsk"
	// DefaultCacheTTL is how long a verified key skips bcrypt.
	DefaultCacheTTL = 5 * time.Minute

	prefixBytes = 4
	secretBytes = 20
)

// BcryptCost is the cost used when hashing new keys.
var BcryptCost = 12

var ErrInvalidKey = errors.New("invalid API key")

func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckKey(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// GenerateKey returns a new random key and its lookup prefix.
func GenerateKey() (key, prefix string, err error) {
	b := make([]byte, prefixBytes+secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	prefix = hex.EncodeToString(b[:prefixBytes])
	secret := hex.EncodeToString(b[prefixBytes:])
	return KeyPrefix + "_" + prefix + "_" + secret, prefix, nil
}

// ParseKey splits a key into its prefix, reporting false for anything not
// shaped like a generated key.
func ParseKey(key string) (prefix string, ok bool) {
	parts := strings.Split(key, "_")
	if len(parts) != 3 || parts[0] != KeyPrefix {
		return "", false
	}
	if len(parts[1]) != 2*prefixBytes || len(parts[2]) != 2*secretBytes {
		return "", false
	}
	return parts[1], true
}

// CreateAPIKey generates and stores a named key. The plaintext key is only
// ever returned here.
func CreateAPIKey(name string) (string, *database.APIKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, errors.New("key name is required")
	}
	key, prefix, err := GenerateKey()
	if err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	hash, err := HashKey(key)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}
	row := &database.APIKey{Name: name, Prefix: prefix, KeyHash: hash}
	if err := database.CreateAPIKey(row); err != nil {
		return "", nil, fmt.Errorf("store key: %w", err)
	}
	return key, row, nil
}

// Principal identifies the caller behind a verified key.
type Principal struct {
	Name  string
	KeyID uint
}

type cacheEntry struct {
	principal Principal
	expiresAt time.Time
}

// Verifier authenticates REST callers against the bootstrap key and the
// stored API keys.
type Verifier struct {
	bootstrap string
	ttl       time.Duration
	nowFn     func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewVerifier creates a verifier. An empty bootstrap disables it.
func NewVerifier(bootstrap string, cacheTTL time.Duration) *Verifier {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Verifier{
		bootstrap: bootstrap,
		ttl:       cacheTTL,
		nowFn:     time.Now,
		cache:     make(map[string]cacheEntry),
	}
}

// Verify returns the principal for key or ErrInvalidKey.
func (v *Verifier) Verify(key string) (Principal, error) {
	if key == "" {
		return Principal{}, ErrInvalidKey
	}
	if v.bootstrap != "" && subtle.ConstantTimeCompare([]byte(key), []byte(v.bootstrap)) == 1 {
		return Principal{Name: "bootstrap"}, nil
	}

	sum := sha256.Sum256([]byte(key))
	cacheKey := hex.EncodeToString(sum[:])
	now := v.nowFn()

	v.mu.RLock()
	entry, ok := v.cache[cacheKey]
	v.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.principal, nil
	}

	prefix, ok := ParseKey(key)
	if !ok {
		return Principal{}, ErrInvalidKey
	}
	row, err := database.GetAPIKeyByPrefix(prefix)
	if err != nil || !CheckKey(key, row.KeyHash) {
		log.Printf("[auth] rejected API key with prefix %s", logutil.SanitizeForLog(prefix))
		return Principal{}, ErrInvalidKey
	}
	if err := database.TouchAPIKey(row.ID); err != nil {
		log.Printf("[auth] update last use of key %s: %v", row.Name, err)
	}

	p := Principal{Name: row.Name, KeyID: row.ID}
	v.mu.Lock()
	v.cache[cacheKey] = cacheEntry{principal: p, expiresAt: now.Add(v.ttl)}
	v.mu.Unlock()
	return p, nil
}

// Invalidate drops every cached verification, e.g. after a key is revoked.
func (v *Verifier) Invalidate() {
	v.mu.Lock()
	clear(v.cache)
	v.mu.Unlock()
}

// Cleanup removes expired cache entries and returns how many were dropped.
func (v *Verifier) Cleanup() int {
	now := v.nowFn()
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for k, e := range v.cache {
		if !now.Before(e.expiresAt) {
			delete(v.cache, k)
			n++
		}
	}
	return n
}
