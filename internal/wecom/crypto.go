// Package wecom implements the external approval platform integration: the
// callback crypto codec, the tolerant event parser, the access token
// provider, and the outbound API client.
package wecom

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/oldoneme/quote-approval-service/internal/errors"
)

// cbcBlockSize is the platform's PKCS#7 block size (not the AES block size).
const cbcBlockSize = 32

// Codec signs and encrypts callback traffic. The AES key is derived from
// the 43-character base64 encoding key; the IV is its first 16 bytes.
type Codec struct {
	token      string
	aesKey     []byte
	receiverID string
}

// NewCodec validates the encoding key and builds a codec. receiverID is the
// corp id the platform embeds in every encrypted envelope.
func NewCodec(token, encodingAESKey, receiverID string) (*Codec, error) {
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("invalid encoding AES key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encoding AES key must decode to 32 bytes, got %d", len(key))
	}
	return &Codec{token: token, aesKey: key, receiverID: receiverID}, nil
}

// Signature computes SHA1 over the lexicographically sorted concatenation of
// the shared token, timestamp, nonce and ciphertext.
func (c *Codec) Signature(timestamp, nonce, ciphertext string) string {
	parts := []string{c.token, timestamp, nonce, ciphertext}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return fmt.Sprintf("%x", sum)
}

// VerifySignature recomputes the signature and compares in constant time.
func (c *Codec) VerifySignature(signature, timestamp, nonce, ciphertext string) bool {
	expected := c.Signature(timestamp, nonce, ciphertext)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// Encrypt wraps msg in the platform envelope (16 random bytes, 4-byte
// big-endian length, message, receiver id), pads, CBC-encrypts and base64s.
func (c *Codec) Encrypt(msg []byte) (string, error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", err
	}

	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(msg)))

	plain := make([]byte, 0, 16+4+len(msg)+len(c.receiverID)+cbcBlockSize)
	plain = append(plain, random...)
	plain = append(plain, length...)
	plain = append(plain, msg...)
	plain = append(plain, []byte(c.receiverID)...)
	plain = pkcs7Pad(plain)

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, c.aesKey[:16]).CryptBlocks(out, plain)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt and verifies the embedded receiver id. Every
// failure maps to a BAD_CIPHER error; the pipeline logs and rejects without
// persisting anything, so a platform retry is safe.
func (c *Codec) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeBadCipher, "ciphertext is not valid base64")
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, errors.Newf(errors.ErrCodeBadCipher,
			"ciphertext length %d is not a multiple of the block size", len(raw))
	}

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.aesKey[:16]).CryptBlocks(plain, raw)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return nil, err
	}
	if len(plain) < 20 {
		return nil, errors.New(errors.ErrCodeBadCipher, "decrypted payload too short")
	}

	msgLen := binary.BigEndian.Uint32(plain[16:20])
	if int(msgLen) > len(plain)-20 {
		return nil, errors.Newf(errors.ErrCodeBadCipher,
			"declared message length %d exceeds payload", msgLen)
	}

	msg := plain[20 : 20+msgLen]
	sender := string(plain[20+msgLen:])
	if sender != c.receiverID {
		return nil, errors.Newf(errors.ErrCodeBadCipher,
			"envelope receiver id %q does not match expected corp id", sender)
	}

	return msg, nil
}

func pkcs7Pad(data []byte) []byte {
	pad := cbcBlockSize - len(data)%cbcBlockSize
	if pad == 0 {
		pad = cbcBlockSize
	}
	padding := make([]byte, pad)
	for i := range padding {
		padding[i] = byte(pad)
	}
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New(errors.ErrCodeBadCipher, "empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad < 1 || pad > cbcBlockSize || pad > len(data) {
		return nil, errors.New(errors.ErrCodeBadCipher, "invalid padding")
	}
	return data[:len(data)-pad], nil
}
