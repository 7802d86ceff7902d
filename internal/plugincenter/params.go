package plugincenter

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrInvalidParams is returned for callback parameters that cannot be
// decrypted or decoded.
var ErrInvalidParams = errors.New("invalid callback parameters")

// AuthParameter travels through the plugin center inside the callback URL.
type AuthParameter struct {
	Principal string `json:"principal"`
	Challenge string `json:"challenge"`
	Source    string `json:"source"`
}

// ParamSerializer encrypts AuthParameter values so that the plugin center
// can neither read nor forge them.
type ParamSerializer struct {
	key [32]byte
}

// NewParamSerializer derives the key from secret. Without a secret a random
// key is used, which invalidates pending logins on restart.
func NewParamSerializer(secret string) (*ParamSerializer, error) {
	s := &ParamSerializer{}
	if secret != "" {
		s.key = sha256.Sum256([]byte(secret))
		return s, nil
	}
	if _, err := io.ReadFull(rand.Reader, s.key[:]); err != nil {
		return nil, fmt.Errorf("failed to generate parameter key: %w", err)
	}
	return s, nil
}

// Serialize returns the encrypted, url safe form of param.
func (s *ParamSerializer) Serialize(param AuthParameter) (string, error) {
	message, err := json.Marshal(param)
	if err != nil {
		return "", err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], message, &nonce, &s.key)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Deserialize reverses Serialize.
func (s *ParamSerializer) Deserialize(value string) (AuthParameter, error) {
	var param AuthParameter

	sealed, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil || len(sealed) < nonceSize+secretbox.Overhead {
		return param, ErrInvalidParams
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	message, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return param, ErrInvalidParams
	}

	if err := json.Unmarshal(message, &param); err != nil {
		return param, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return param, nil
}
