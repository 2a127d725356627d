package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KiB
	argon2Parallelism = 4
	argon2KeyLen      = 32
	argon2SaltLen     = 32
)

// Seed errors
var (
	ErrWrongPassword = errors.New("seed decryption failed, wrong password")
)

// EncryptedSeed is the at-rest form of the resolver's mnemonic: Argon2id
// derived key, AES-256-GCM ciphertext.
type EncryptedSeed struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// EncryptMnemonic seals a mnemonic under a password.
func EncryptMnemonic(mnemonic, password string) (*EncryptedSeed, error) {
	if !ValidateMnemonic(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	if password == "" {
		return nil, fmt.Errorf("empty password")
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLen)
	defer zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &EncryptedSeed{
		Version:     1,
		Ciphertext:  gcm.Seal(nil, nonce, []byte(mnemonic), nil),
		Salt:        salt,
		Nonce:       nonce,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}, nil
}

// DecryptMnemonic opens a sealed mnemonic.
func DecryptMnemonic(enc *EncryptedSeed, password string) (string, error) {
	key := argon2.IDKey([]byte(password), enc.Salt, enc.Time, enc.Memory, enc.Parallelism, argon2KeyLen)
	defer zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, enc.Nonce, enc.Ciphertext, nil)
	if err != nil {
		return "", ErrWrongPassword
	}
	return string(plaintext), nil
}

// SaveEncryptedSeed writes a sealed seed to disk with owner-only
// permissions.
func SaveEncryptedSeed(enc *EncryptedSeed, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.Marshal(enc)
	if err != nil {
		return fmt.Errorf("failed to marshal seed: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write seed: %w", err)
	}
	return nil
}

// LoadEncryptedSeed reads a sealed seed from disk.
func LoadEncryptedSeed(path string) (*EncryptedSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}
	var enc EncryptedSeed
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal seed: %w", err)
	}
	return &enc, nil
}

// LoadOrCreate opens the sealed seed at path, generating and sealing a new
// mnemonic on first run. Returns the plaintext mnemonic and whether it was
// freshly created.
func LoadOrCreate(path, password string) (string, bool, error) {
	if _, err := os.Stat(path); err == nil {
		enc, err := LoadEncryptedSeed(path)
		if err != nil {
			return "", false, err
		}
		mnemonic, err := DecryptMnemonic(enc, password)
		if err != nil {
			return "", false, err
		}
		return mnemonic, false, nil
	}

	mnemonic, err := GenerateMnemonic()
	if err != nil {
		return "", false, err
	}
	enc, err := EncryptMnemonic(mnemonic, password)
	if err != nil {
		return "", false, err
	}
	if err := SaveEncryptedSeed(enc, path); err != nil {
		return "", false, err
	}
	return mnemonic, true, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
