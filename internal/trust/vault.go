// Package trust manages the encrypted credential store a device carries
// between runs: server address, activation credentials, key pair and the
// shared secrets of devices enrolled through a gateway. The store is a
// password-protected file; everything else in the SDK reads credentials
// through a Vault and never touches the file directly.
package trust

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// formatVersion is the first byte of every vault file.
	formatVersion byte = '1'

	// Key derivation parameters. These are fixed by the file format: the
	// IV prepended to the ciphertext doubles as the derivation salt.
	kdfIterations = 10000
	kdfKeyLen     = 16

	// armorColumns is the line width of the base64 body.
	armorColumns = 64
)

// Vault is an encrypted credential store backed by a single file. All methods
// are safe for concurrent use. Mutating operations persist before returning,
// so a Vault and its file never disagree after a successful call.
type Vault struct {
	mu       sync.RWMutex
	path     string
	password []byte
	cred     Credential
	signer   *rsa.PrivateKey
	closed   bool
}

// Open loads an existing vault file.
func Open(path, password string) (*Vault, error) {
	if password == "" {
		return nil, ErrMissingPassword
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read vault: %w", err)
	}
	cred, err := decodeVaultFile(raw, []byte(password))
	if err != nil {
		return nil, err
	}
	v := &Vault{path: path, password: []byte(password), cred: cred}
	if len(cred.PrivateKey) > 0 {
		v.signer, err = parsePrivateKey(cred.PrivateKey)
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Provision creates a new vault file holding the pre-activation credentials a
// device is handed out of band. It refuses to overwrite an existing file.
func Provision(path, password, serverURI, clientID, sharedSecret string) (*Vault, error) {
	if password == "" {
		return nil, ErrMissingPassword
	}
	if clientID == "" {
		return nil, errors.New("client id is required")
	}
	if sharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	scheme, host, port, err := parseServerURI(serverURI)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("vault already exists: %s", path)
	}
	v := &Vault{
		path:     path,
		password: []byte(password),
		cred: Credential{
			ServerScheme: scheme,
			ServerHost:   host,
			ServerPort:   port,
			ClientID:     clientID,
			SharedSecret: sharedSecret,
		},
	}
	if err := v.storeLocked(); err != nil {
		return nil, err
	}
	return v, nil
}

// ServerURI returns the full base URI of the server, scheme and port included.
func (v *Vault) ServerURI() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cred.ServerURI()
}

func (v *Vault) ServerScheme() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cred.ServerScheme
}

func (v *Vault) ServerHost() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cred.ServerHost
}

func (v *Vault) ServerPort() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cred.ServerPort
}

// ClientID returns the provisioned activation id.
func (v *Vault) ClientID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cred.ClientID
}

// EndpointID returns the server-assigned identity, or "" before activation.
func (v *Vault) EndpointID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cred.EndpointID
}

// Activated reports whether the device has completed activation.
func (v *Vault) Activated() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cred.Activated()
}

// SharedSecret returns the provisioned shared secret used for HMAC
// assertions before a key pair exists.
func (v *Vault) SharedSecret() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cred.SharedSecret
}

// TrustAnchor returns the stored anchor certificate bytes, or nil.
func (v *Vault) TrustAnchor() []byte {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]byte(nil), v.cred.TrustAnchor...)
}

// SetTrustAnchor stores the certificate the device should trust when
// verifying the server, and persists immediately.
func (v *Vault) SetTrustAnchor(cert []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	prev := v.cred.TrustAnchor
	v.cred.TrustAnchor = append([]byte(nil), cert...)
	if err := v.storeLocked(); err != nil {
		v.cred.TrustAnchor = prev
		return err
	}
	return nil
}

// GenerateKeyPair creates a fresh RSA key pair and keeps it in memory. The
// key is written to the file only by the next successful Store or
// SetActivated, so an activation attempt that fails midway leaves the file as
// it was.
func (v *Vault) GenerateKeyPair(bits int) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrClosed
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	priv, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encode private key: %w", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	v.signer = key
	v.cred.PrivateKey = priv
	v.cred.PublicKey = pub
	return &key.PublicKey, nil
}

// PublicKeyDER returns the PKIX encoding of the device public key.
func (v *Vault) PublicKeyDER() ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.cred.PublicKey) == 0 {
		return nil, ErrNoKeyPair
	}
	return append([]byte(nil), v.cred.PublicKey...), nil
}

// PrivateKey returns the device private key for token signing.
func (v *Vault) PrivateKey() (*rsa.PrivateKey, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.signer == nil {
		return nil, ErrNoKeyPair
	}
	return v.signer, nil
}

// Sign signs data with the device private key using SHA-256 and PKCS #1 v1.5.
func (v *Vault) Sign(data []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return nil, ErrClosed
	}
	if v.signer == nil {
		return nil, ErrNoKeyPair
	}
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, v.signer, crypto.SHA256, digest[:])
}

// SetActivated records the endpoint id and certificate assigned by the
// server and persists the vault, key pair included, in one write. On write
// failure the in-memory state is rolled back so the vault still matches the
// file.
func (v *Vault) SetActivated(endpointID string, certificate []byte) error {
	if endpointID == "" {
		return errors.New("endpoint id is required")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	prevID, prevAnchor := v.cred.EndpointID, v.cred.TrustAnchor
	v.cred.EndpointID = endpointID
	if len(certificate) > 0 {
		v.cred.TrustAnchor = append([]byte(nil), certificate...)
	}
	if err := v.storeLocked(); err != nil {
		v.cred.EndpointID, v.cred.TrustAnchor = prevID, prevAnchor
		return err
	}
	return nil
}

// ConnectedDeviceSecret returns the shared secret of a device enrolled
// through this gateway.
func (v *Vault) ConnectedDeviceSecret(clientID string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	secret, ok := v.cred.ConnectedDeviceSecrets[clientID]
	if !ok {
		return "", fmt.Errorf("%w: connected device %s", ErrNotFound, clientID)
	}
	return secret, nil
}

// SetConnectedDeviceSecret stores the shared secret of a device enrolled
// through this gateway and persists immediately.
func (v *Vault) SetConnectedDeviceSecret(clientID, secret string) error {
	if clientID == "" {
		return errors.New("client id is required")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	if v.cred.ConnectedDeviceSecrets == nil {
		v.cred.ConnectedDeviceSecrets = make(map[string]string)
	}
	prev, existed := v.cred.ConnectedDeviceSecrets[clientID]
	v.cred.ConnectedDeviceSecrets[clientID] = secret
	if err := v.storeLocked(); err != nil {
		if existed {
			v.cred.ConnectedDeviceSecrets[clientID] = prev
		} else {
			delete(v.cred.ConnectedDeviceSecrets, clientID)
		}
		return err
	}
	return nil
}

// ConnectedDeviceIDs lists the client ids of enrolled devices.
func (v *Vault) ConnectedDeviceIDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return sortedKeys(v.cred.ConnectedDeviceSecrets)
}

// Credential returns a snapshot of the stored credential. The copy is deep,
// so mutating it does not affect the vault.
func (v *Vault) Credential() Credential {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cred.clone()
}

// Store writes the current state to the vault file.
func (v *Vault) Store() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	return v.storeLocked()
}

// Close wipes key material from memory. The vault file is left intact.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	zero(v.password)
	zero(v.cred.PrivateKey)
	zero(v.cred.PublicKey)
	v.password = nil
	v.signer = nil
	v.cred = Credential{}
	return nil
}

func (v *Vault) storeLocked() error {
	data, err := encodeVaultFile(v.cred, v.password)
	if err != nil {
		return err
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write vault: %w", err)
	}
	return nil
}

// encodeVaultFile produces the on-disk form: the version byte, the base64
// armored IV plus ciphertext, and trailing comment lines identifying the
// store without decrypting it.
func encodeVaultFile(c Credential, password []byte) ([]byte, error) {
	payload, err := encodeCredential(c)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	block, err := aes.NewCipher(pbkdf2.Key(password, iv, kdfIterations, kdfKeyLen, sha1.New))
	if err != nil {
		return nil, err
	}
	padded := pkcs5Pad(payload)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	var buf bytes.Buffer
	buf.WriteByte(formatVersion)
	buf.WriteByte('\n')
	buf.WriteString(armor(append(iv, ciphertext...)))
	fmt.Fprintf(&buf, "#serverUri:%s\n", c.ServerURI())
	fmt.Fprintf(&buf, "#clientId:%s\n", c.ClientID)
	return buf.Bytes(), nil
}

// decodeVaultFile reverses encodeVaultFile. Wrong passwords surface as
// ErrDecryptionFailed through the padding check.
func decodeVaultFile(raw, password []byte) (Credential, error) {
	if len(raw) == 0 {
		return Credential{}, fmt.Errorf("%w: empty file", ErrUnsupportedFormat)
	}
	if raw[0] != formatVersion {
		return Credential{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, raw[0])
	}
	blob, err := base64.StdEncoding.DecodeString(dearmor(raw[1:]))
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(blob) < 2*aes.BlockSize || len(blob)%aes.BlockSize != 0 {
		return Credential{}, fmt.Errorf("%w: payload length %d", ErrMalformed, len(blob))
	}
	iv, ciphertext := blob[:aes.BlockSize], blob[aes.BlockSize:]
	block, err := aes.NewCipher(pbkdf2.Key(password, iv, kdfIterations, kdfKeyLen, sha1.New))
	if err != nil {
		return Credential{}, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	payload, err := pkcs5Unpad(plaintext)
	if err != nil {
		return Credential{}, err
	}
	return decodeCredential(payload)
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported key type %T", ErrMalformed, key)
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return key, nil
}

// armor wraps base64 text at armorColumns per line, each line newline
// terminated.
func armor(blob []byte) string {
	encoded := base64.StdEncoding.EncodeToString(blob)
	var b strings.Builder
	for len(encoded) > armorColumns {
		b.WriteString(encoded[:armorColumns])
		b.WriteByte('\n')
		encoded = encoded[armorColumns:]
	}
	b.WriteString(encoded)
	b.WriteByte('\n')
	return b.String()
}

// dearmor strips comment lines and whitespace from the file body.
func dearmor(body []byte) string {
	var b strings.Builder
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		b.Write(line)
	}
	return b.String()
}

func pkcs5Pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs5Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad block length", ErrDecryptionFailed)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, fmt.Errorf("%w: bad padding", ErrDecryptionFailed)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecryptionFailed)
		}
	}
	return data[:len(data)-n], nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
