// Package secret keeps credential material sealed while it sits in process
// memory. The key is generated at startup and never written anywhere, so a
// sealed value is useless outside the process that produced it.
package secret

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
)

// ErrInvalidToken is returned when a sealed value was produced by a
// different Sealer or has been tampered with.
var ErrInvalidToken = errors.New("secret: invalid token")

// Sealed is an encrypted credential. Its String method never reveals the
// plaintext, so it is safe to pass through %v formatting.
type Sealed struct {
	token []byte
}

// String implements fmt.Stringer.
func (s Sealed) String() string { return "[sealed]" }

// GoString implements fmt.GoStringer.
func (s Sealed) GoString() string { return "secret.Sealed{[sealed]}" }

// IsZero reports whether s holds no value.
func (s Sealed) IsZero() bool { return len(s.token) == 0 }

// Sealer encrypts and decrypts credentials with a process-local fernet key.
type Sealer struct {
	key *fernet.Key
}

// NewSealer generates a fresh key.
func NewSealer() (*Sealer, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return nil, fmt.Errorf("generate fernet key: %w", err)
	}
	return &Sealer{key: &k}, nil
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext string) (Sealed, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), s.key)
	if err != nil {
		return Sealed{}, fmt.Errorf("seal: %w", err)
	}
	return Sealed{token: tok}, nil
}

// Open decrypts a value produced by this Sealer.
func (s *Sealer) Open(v Sealed) (string, error) {
	if v.IsZero() {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt(v.token, 0, []*fernet.Key{s.key})
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}
