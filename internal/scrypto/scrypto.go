package scrypto

import (
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/faanross/simulacra_png/internal/params"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/term"
)

// KeyPair holds the two independent keys derived for one seal or open call
type KeyPair struct {
	EncKey []byte // AES-256-CBC key
	MacKey []byte // HMAC-SHA256 key
}

// DeriveKeys runs PBKDF2-SHA256 over password and salt and splits the
// 64-byte output into the cipher key and the MAC key.
func DeriveKeys(password, salt []byte) KeyPair {
	master := pbkdf2.Key(password, salt, params.PBKDF2_ITERS, 2*params.KEY_SIZE, sha256.New)
	return KeyPair{
		EncKey: master[:params.KEY_SIZE],
		MacKey: master[params.KEY_SIZE:],
	}
}

// Wipe zeroes both keys. The pair shares one backing array.
func (kp KeyPair) Wipe() {
	Wipe(kp.EncKey)
	Wipe(kp.MacKey)
}

// Wipe zeroes b in place
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// GetSecurePassword prompts for password with hidden input
func GetSecurePassword(prompt string, minLen int) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr) // New line after password

	if err != nil {
		return nil, fmt.Errorf("password read failed: %w", err)
	}

	if len(password) < minLen {
		return nil, fmt.Errorf("password must be at least %d characters", minLen)
	}

	return password, nil
}
