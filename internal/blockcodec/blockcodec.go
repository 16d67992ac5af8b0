// Package blockcodec implements per-block AES-256-CFB encryption with
// derived IVs, as specified in section 4.1 of the store design: a single
// fixed-size block is the unit of encryption, and no two writes of the same
// block may reuse an IV.
package blockcodec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2s"

	"github.com/deploymenttheory/x79d8/internal/x79err"
)

// CountSize is the width of the random header rewritten on every block
// write (the "count" of the specification's data model).
const CountSize = 16

// Codec encrypts and decrypts blocks under a single fixed key. It carries
// no other state and is safe for concurrent use.
type Codec struct {
	key [32]byte
}

// New returns a Codec bound to key. The caller owns the key's lifetime.
func New(key [32]byte) *Codec {
	return &Codec{key: key}
}

// Overhead is the number of bytes EncryptBlock adds ahead of the
// ciphertext. Plaintext passed to EncryptBlock must be exactly
// blockSize-Overhead() bytes.
func Overhead() int { return CountSize }

// EncryptBlock draws a fresh random count, derives the IV from
// (key, count, blockID), and returns count‖ciphertext. plaintext is not
// modified; the result is exactly len(plaintext)+CountSize bytes.
func (c *Codec) EncryptBlock(blockID uint64, plaintext []byte) ([]byte, error) {
	var count [CountSize]byte
	if _, err := rand.Read(count[:]); err != nil {
		return nil, x79err.WrapIo("draw block count", err)
	}

	iv, err := deriveIV(c.key, count, blockID)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("blockcodec: new cipher: %w", err)
	}

	out := make([]byte, CountSize+len(plaintext))
	copy(out[:CountSize], count[:])
	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(out[CountSize:], plaintext)
	return out, nil
}

// DecryptBlock parses count from the head of onDisk, recomputes the IV, and
// decrypts the remainder. onDisk must be exactly blockSize bytes; a
// mismatch (or any length too short to hold a count) is reported as
// ErrCorruptBlock, per the specification: block lengths are not otherwise
// authenticated.
func (c *Codec) DecryptBlock(blockID uint64, onDisk []byte, blockSize int) ([]byte, error) {
	if len(onDisk) != blockSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", x79err.ErrCorruptBlock, blockSize, len(onDisk))
	}
	if len(onDisk) < CountSize {
		return nil, fmt.Errorf("%w: block shorter than count header", x79err.ErrCorruptBlock)
	}

	var count [CountSize]byte
	copy(count[:], onDisk[:CountSize])

	iv, err := deriveIV(c.key, count, blockID)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("blockcodec: new cipher: %w", err)
	}

	plaintext := make([]byte, len(onDisk)-CountSize)
	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(plaintext, onDisk[CountSize:])
	return plaintext, nil
}

// deriveIV computes blake2s(key ‖ count ‖ le64(blockID))[:16]. Hashing
// (count, blockID) together rather than trusting count alone defends
// against accidental cross-block IV reuse if count is ever copied between
// blocks (spec design note, §9).
func deriveIV(key [32]byte, count [CountSize]byte, blockID uint64) ([]byte, error) {
	h, err := blake2s.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("blockcodec: blake2s init: %w", err)
	}
	h.Write(key[:])
	h.Write(count[:])
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], blockID)
	h.Write(idBuf[:])
	sum := h.Sum(nil)
	return sum[:aes.BlockSize], nil
}
