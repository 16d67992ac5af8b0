// Package storeconfig persists the plaintext, non-secret parameters a
// store needs before its first encrypted block can be read (specification
// §4.7): block size, scrypt parameters, salt, and a password verifier.
// These live in x79d8.toml next to the block directory, loaded with
// go-toml/v2 the way the teacher's config types round-trip through
// structured marshalers rather than hand-rolled parsing.
package storeconfig

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/scrypt"

	"github.com/deploymenttheory/x79d8/internal/x79err"
)

const (
	// FormatVersion identifies the on-disk layout this package writes.
	// Bumped whenever the superblock or config schema changes shape.
	FormatVersion = 1

	// DefaultBlockSize is 1 MiB, spec.md §4.1's stated default.
	DefaultBlockSize = 1 << 20

	// DefaultScryptLogN targets roughly 100ms on commodity hardware, per
	// spec.md §4.1.
	DefaultScryptLogN = 15

	scryptR       = 8
	scryptP       = 1
	saltLen       = 32
	verifierLen   = 16
	keyLen        = 32
	configFile    = "x79d8.toml"
	verifierMagic = "verify"
)

// Config is the plaintext, non-secret parameter set written at `init` time
// and read back on every `serve` before any block is decrypted.
type Config struct {
	FormatVersion int       `toml:"format_version"`
	BlockSize     int       `toml:"block_size"`
	ScryptLogN    int       `toml:"scrypt_log_n"`
	ScryptR       int       `toml:"scrypt_r"`
	ScryptP       int       `toml:"scrypt_p"`
	Salt          []byte    `toml:"salt"`
	Verifier      []byte    `toml:"verifier"`
	CreatedAt     time.Time `toml:"created_at"`
}

// New builds a fresh Config for `init`: a random salt, caller-chosen block
// size and scrypt cost, and the key derivation needed to produce a
// verifier for the given password. Returns the config and the derived key
// (the caller hands the key straight to the block codec; it is never
// itself persisted).
func New(password string, blockSize, scryptLogN int) (Config, [32]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return Config{}, [32]byte{}, fmt.Errorf("storeconfig: generate salt: %w", err)
	}

	cfg := Config{
		FormatVersion: FormatVersion,
		BlockSize:     blockSize,
		ScryptLogN:    scryptLogN,
		ScryptR:       scryptR,
		ScryptP:       scryptP,
		Salt:          salt,
		CreatedAt:     time.Now().UTC(),
	}

	key, err := cfg.DeriveKey(password)
	if err != nil {
		return Config{}, [32]byte{}, err
	}
	verifier, err := computeVerifier(key)
	if err != nil {
		return Config{}, [32]byte{}, err
	}
	cfg.Verifier = verifier
	return cfg, key, nil
}

// DeriveKey runs scrypt over password with this config's persisted
// parameters.
func (c Config) DeriveKey(password string) ([32]byte, error) {
	var key [32]byte
	raw, err := scrypt.Key([]byte(password), c.Salt, 1<<uint(c.ScryptLogN), c.ScryptR, c.ScryptP, keyLen)
	if err != nil {
		return key, fmt.Errorf("storeconfig: scrypt: %w", err)
	}
	copy(key[:], raw)
	return key, nil
}

// Unlock derives the key for password and checks it against the persisted
// verifier, returning ErrBadPassword on mismatch without ever touching a
// block.
func (c Config) Unlock(password string) ([32]byte, error) {
	key, err := c.DeriveKey(password)
	if err != nil {
		return key, err
	}
	want, err := computeVerifier(key)
	if err != nil {
		return key, err
	}
	if !bytesEqual(want, c.Verifier) {
		return [32]byte{}, x79err.ErrBadPassword
	}
	return key, nil
}

func computeVerifier(key [32]byte) ([]byte, error) {
	h, err := blake2s.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("storeconfig: blake2s init: %w", err)
	}
	h.Write(key[:])
	h.Write([]byte(verifierMagic))
	return h.Sum(nil)[:verifierLen], nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	ok := true
	for i := range a {
		if a[i] != b[i] {
			ok = false
		}
	}
	return ok
}

// Load reads and parses the config file from dir.
func Load(fs afero.Fs, dir string) (Config, error) {
	path := dir + "/" + configFile
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if isNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s", x79err.ErrConfigMissing, path)
		}
		return Config{}, x79err.WrapIo("read config", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", x79err.ErrConfigCorrupt, err)
	}
	if cfg.BlockSize <= 0 || len(cfg.Salt) == 0 || len(cfg.Verifier) == 0 {
		return Config{}, fmt.Errorf("%w: incomplete config", x79err.ErrConfigCorrupt)
	}
	return cfg, nil
}

// Save marshals and writes the config file to dir, failing if it already
// exists (init never overwrites an existing store).
func (c Config) Save(fs afero.Fs, dir string) error {
	path := dir + "/" + configFile
	if exists, err := afero.Exists(fs, path); err != nil {
		return x79err.WrapIo("stat config", err)
	} else if exists {
		return fmt.Errorf("%w: %s", x79err.ErrExists, path)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("storeconfig: marshal: %w", err)
	}
	return afero.WriteFile(fs, path, data, 0o600)
}

func isNotExist(err error) bool {
	return afero.IsNotExist(err)
}
