package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	envAgeKey       = "CORRALD_AGE_KEY"
	envAgeRecipient = "CORRALD_AGE_RECIPIENT"

	sealedPrefix = "sealed:"
)

// Suffixes of driver_info keys treated as credentials and sealed at rest.
var credentialSuffixes = []string{"_password", "_secret", "_token"}

// Box seals and unseals credential fields using an age X25519 key pair.
// Conductors hold the identity (decrypt); the API layer only needs the
// recipient (encrypt) to seal credentials on enrollment.
type Box struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewBoxFromEnv initialises a Box from CORRALD_AGE_KEY and/or
// CORRALD_AGE_RECIPIENT. At least one must be set.
func NewBoxFromEnv() (*Box, error) {
	secret := strings.TrimSpace(os.Getenv(envAgeKey))
	pub := strings.TrimSpace(os.Getenv(envAgeRecipient))

	if secret == "" && pub == "" {
		return nil, fmt.Errorf("%s or %s must be set", envAgeKey, envAgeRecipient)
	}

	box := &Box{}

	if secret != "" {
		identity, err := age.ParseX25519Identity(secret)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAgeKey, err)
		}
		box.identity = identity
		box.recipient = identity.Recipient()
	}

	if pub != "" {
		if hrp, _, err := bech32.Decode(pub); err != nil || hrp != "age" {
			return nil, fmt.Errorf("%s is not a valid age recipient", envAgeRecipient)
		}
		recipient, err := age.ParseX25519Recipient(pub)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAgeRecipient, err)
		}
		if box.recipient != nil && box.recipient.String() != recipient.String() {
			return nil, errors.New("CORRALD_AGE_RECIPIENT does not match CORRALD_AGE_KEY")
		}
		box.recipient = recipient
	}

	return box, nil
}

// Seal encrypts plain for the configured recipient and returns a tagged,
// base64-encoded value suitable for storage in a JSONB bag.
func (b *Box) Seal(plain string) (string, error) {
	if b == nil || b.recipient == nil {
		return "", errors.New("secrets: no recipient configured")
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, b.recipient)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(w, plain); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	return sealedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Unseal decrypts a value produced by Seal. Values without the sealed tag
// pass through unchanged so plaintext development credentials keep working.
func (b *Box) Unseal(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if b == nil || b.identity == nil {
		return "", errors.New("secrets: no identity configured")
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(raw), b.identity)
	if err != nil {
		return "", err
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// IsSealed reports whether value carries the sealed tag.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

// SealMap returns a copy of m with every credential-suffixed string value
// sealed. Non-credential keys and non-string values are left untouched.
func (b *Box) SealMap(m map[string]any) (map[string]any, error) {
	return b.mapValues(m, b.Seal, false)
}

// UnsealMap returns a copy of m with every sealed credential value decrypted.
func (b *Box) UnsealMap(m map[string]any) (map[string]any, error) {
	return b.mapValues(m, b.Unseal, true)
}

func (b *Box) mapValues(m map[string]any, fn func(string) (string, error), sealedOnly bool) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok || !isCredentialKey(k) || (sealedOnly && !IsSealed(s)) || (!sealedOnly && IsSealed(s)) {
			out[k] = v
			continue
		}
		mapped, err := fn(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = mapped
	}
	return out, nil
}

func isCredentialKey(key string) bool {
	for _, suffix := range credentialSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}
