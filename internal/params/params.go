package params

// Envelope constants
const (
	ENVELOPE_MAGIC = "SIM1"
	MAGIC_SIZE     = 4
	SALT_SIZE      = 16     // Salt for PBKDF2
	IV_SIZE        = 16     // CBC initialization vector
	KEY_SIZE       = 32     // AES-256 key size
	MAC_SIZE       = 32     // HMAC-SHA256 digest
	BLOCK_SIZE     = 16     // AES block size
	PBKDF2_ITERS   = 200000 // PBKDF2 iterations

	// HEADER_SIZE covers MAGIC|SALT|IV, the bytes authenticated ahead of the ciphertext
	HEADER_SIZE = MAGIC_SIZE + SALT_SIZE + IV_SIZE

	// MIN_ENVELOPE_SIZE is the smallest blob that can hold header and MAC
	MIN_ENVELOPE_SIZE = HEADER_SIZE + MAC_SIZE
)

// Steganography constants
const (
	STEGO_MAGIC       = "SIMG"
	STEGO_HEADER_SIZE = 8 // MAGIC(4) + LENGTH(4)
	DEFAULT_WIDTH     = 64
	BITS_PER_BYTE     = 8
	CHANNELS          = 3 // RGB channels
)
