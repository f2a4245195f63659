package crypto

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/gluk-w/claworc/termsync/internal/database"
)

const keySetting = "fernet_key"

var (
	ErrInvalidToken  = errors.New("token is invalid or expired")
	ErrTokenMismatch = errors.New("token was issued for another session")
)

// getKey loads the fernet key from the settings table, generating and
// persisting one on first use.
func getKey() (*fernet.Key, error) {
	keyStr, err := database.GetSetting(keySetting)
	if err != nil {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		keyStr = k.Encode()
		if err := database.SetSetting(keySetting, keyStr); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &k, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

// ChannelTokens issues fernet tokens that let a client attach a channel to
// one session for a limited time.
type ChannelTokens struct {
	key *fernet.Key
	ttl time.Duration
}

// NewChannelTokens loads (or creates) the persisted key.
func NewChannelTokens(ttl time.Duration) (*ChannelTokens, error) {
	key, err := getKey()
	if err != nil {
		return nil, err
	}
	return NewChannelTokensWithKey(key, ttl), nil
}

func NewChannelTokensWithKey(key *fernet.Key, ttl time.Duration) *ChannelTokens {
	return &ChannelTokens{key: key, ttl: ttl}
}

func (c *ChannelTokens) TTL() time.Duration { return c.ttl }

// Issue returns a token encrypting sessionID.
func (c *ChannelTokens) Issue(sessionID string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(sessionID), c.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Verify checks the token's signature and age and that it names sessionID.
func (c *ChannelTokens) Verify(token, sessionID string) error {
	if token == "" {
		return ErrInvalidToken
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), c.ttl, []*fernet.Key{c.key})
	if msg == nil {
		return ErrInvalidToken
	}
	if subtle.ConstantTimeCompare(msg, []byte(sessionID)) != 1 {
		return ErrTokenMismatch
	}
	return nil
}

func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
