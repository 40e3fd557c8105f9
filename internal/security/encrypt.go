package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/hkdf"
)

const keyInfo = "plantchat push key material v1"

// Encryptor seals push subscription key material at rest with AES-GCM.
// Values written under a previous fernet key can still be opened.
type Encryptor struct {
	aead       cipher.AEAD
	fernetKeys []*fernet.Key
}

func NewEncryptor(key []byte, legacyKeys []string) (*Encryptor, error) {
	if len(key) == 0 {
		return nil, errors.New("encryption key must not be empty")
	}
	k := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(keyInfo)), k); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	fernetKeys := make([]*fernet.Key, 0, len(legacyKeys))
	for _, rawKey := range legacyKeys {
		if fk := parseFernetKey(rawKey); fk != nil {
			fernetKeys = append(fernetKeys, fk)
		}
	}

	return &Encryptor{aead: aead, fernetKeys: fernetKeys}, nil
}

func parseFernetKey(raw string) *fernet.Key {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	key, err := fernet.DecodeKey(trimmed)
	if err != nil {
		return nil
	}
	return key
}

func (e *Encryptor) Encrypt(plain string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := e.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (e *Encryptor) Decrypt(enc string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err == nil && len(raw) >= e.aead.NonceSize() {
		nonce := raw[:e.aead.NonceSize()]
		ciphertext := raw[e.aead.NonceSize():]
		plain, openErr := e.aead.Open(nil, nonce, ciphertext, nil)
		if openErr == nil {
			return string(plain), nil
		}
	}

	if len(e.fernetKeys) > 0 {
		if plain := fernet.VerifyAndDecrypt([]byte(enc), 0*time.Second, e.fernetKeys); plain != nil {
			return string(plain), nil
		}
	}

	return "", errors.New("failed to decrypt key material")
}
