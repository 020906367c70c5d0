package trust

import "errors"

var (
	// ErrNotFound is returned when the vault file does not exist, or when a
	// lookup inside the vault misses.
	ErrNotFound = errors.New("credential not found")

	// ErrMissingPassword is returned when a vault is opened or created
	// without a password.
	ErrMissingPassword = errors.New("vault password is required")

	// ErrUnsupportedFormat is returned when the vault file does not start
	// with a known format version.
	ErrUnsupportedFormat = errors.New("unsupported vault format version")

	// ErrDecryptionFailed is returned when the vault payload cannot be
	// decrypted, typically because the password is wrong.
	ErrDecryptionFailed = errors.New("vault decryption failed")

	// ErrMalformed is returned when the decrypted payload does not parse as
	// a valid record stream.
	ErrMalformed = errors.New("malformed vault payload")

	// ErrValueTooLong is returned when a field exceeds the 16-bit length
	// limit of the storage format.
	ErrValueTooLong = errors.New("value too long for vault format")

	// ErrNoKeyPair is returned by signing operations before a key pair has
	// been generated or loaded.
	ErrNoKeyPair = errors.New("no key pair available")

	// ErrClosed is returned by operations on a closed vault.
	ErrClosed = errors.New("vault is closed")
)
