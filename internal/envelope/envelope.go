// Package envelope implements the password-based authenticated encryption
// envelope.
//
// Wire layout:
//
//	[MAGIC "SIM1"(4)][SALT(16)][IV(16)][MAC(32)][CIPHERTEXT(16n)]
//
// Keys come from PBKDF2-SHA256 (200,000 rounds, 64 bytes): the first half
// keys AES-256-CBC, the second half keys HMAC-SHA256. The MAC covers
// MAGIC||SALT||IV||CIPHERTEXT and is checked in constant time before any
// padding is looked at.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/faanross/simulacra_png/internal/faults"
	"github.com/faanross/simulacra_png/internal/params"
	"github.com/faanross/simulacra_png/internal/scrypto"
)

// Seal encrypts plaintext under password and returns the envelope blob
func Seal(plaintext []byte, password string) ([]byte, error) {
	return seal(rand.Reader, plaintext, password)
}

func seal(random io.Reader, plaintext []byte, password string) ([]byte, error) {
	// Step 1: Fresh salt and IV
	salt := make([]byte, params.SALT_SIZE)
	if _, err := io.ReadFull(random, salt); err != nil {
		return nil, fmt.Errorf("salt generation failed: %w", err)
	}

	iv := make([]byte, params.IV_SIZE)
	if _, err := io.ReadFull(random, iv); err != nil {
		return nil, fmt.Errorf("iv generation failed: %w", err)
	}

	// Step 2: Derive keys
	keys := scrypto.DeriveKeys([]byte(password), salt)
	defer keys.Wipe()

	// Step 3: Pad and encrypt
	block, err := aes.NewCipher(keys.EncKey)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}

	ciphertext := pad(plaintext)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, ciphertext)

	// Step 4: Authenticate header then ciphertext
	header := newHeader(salt, iv)
	copy(header.MAC[:], computeMAC(keys.MacKey, &header, ciphertext))

	blob := header.AppendBinary(make([]byte, 0, params.MIN_ENVELOPE_SIZE+len(ciphertext)))
	return append(blob, ciphertext...), nil
}

// Open verifies and decrypts blob with password. A MAC mismatch yields
// *faults.AuthenticationError whatever the cause.
func Open(blob []byte, password string) ([]byte, error) {
	header, ciphertext, err := ParseHeader(blob)
	if err != nil {
		return nil, err
	}

	keys := scrypto.DeriveKeys([]byte(password), header.Salt[:])
	defer keys.Wipe()

	expected := computeMAC(keys.MacKey, &header, ciphertext)
	if !hmac.Equal(expected, header.MAC[:]) {
		return nil, &faults.AuthenticationError{}
	}

	// Everything below runs only for holders of the right key
	if len(ciphertext) == 0 || len(ciphertext)%params.BLOCK_SIZE != 0 {
		return nil, &faults.FormatError{Layer: "envelope", Reason: "ciphertext is not block aligned"}
	}

	block, err := aes.NewCipher(keys.EncKey)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, header.IV[:]).CryptBlocks(padded, ciphertext)

	return unpad(padded)
}

// SealedSize returns the envelope size for a plaintext of n bytes
func SealedSize(n int) int {
	return params.MIN_ENVELOPE_SIZE + (n/params.BLOCK_SIZE+1)*params.BLOCK_SIZE
}

func computeMAC(key []byte, header *Header, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(header.AuthenticatedPrefix())
	mac.Write(ciphertext)
	return mac.Sum(nil)
}
