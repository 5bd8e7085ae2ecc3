package tokenstore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const fileFormatVersion = 1

// KDFParams controls the Argon2id derivation of the file sealing key.
// MemoryKiB is in KiB as required by argon2.IDKey.
type KDFParams struct {
	MemoryKiB   uint32 `yaml:"memory_kib"`
	Iterations  uint32 `yaml:"iterations"`
	Parallelism uint8  `yaml:"parallelism"`
}

// DefaultKDFParams is tuned for a single derivation per process start.
func DefaultKDFParams() KDFParams {
	return KDFParams{MemoryKiB: 64 * 1024, Iterations: 3, Parallelism: 1}
}

// FileConfig configures FileStore.
type FileConfig struct {
	Path string `yaml:"path"`
	// Passphrase seals the file with XChaCha20-Poly1305. Empty stores plain JSON (0600).
	Passphrase string    `yaml:"passphrase"`
	KDF        KDFParams `yaml:"kdf"`
}

// FileStore keeps the pair in a single file replaced atomically on every write.
type FileStore struct {
	cfg FileConfig

	mu sync.Mutex
	// derived key cache, valid for salt.
	salt []byte
	key  []byte
}

type fileEnvelope struct {
	V     int    `json:"v"`
	Salt  []byte `json:"salt,omitempty"`
	Nonce []byte `json:"nonce,omitempty"`
	Data  []byte `json:"data"`
}

func NewFileStore(cfg FileConfig) (*FileStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: file path is required", ErrConfig)
	}
	if cfg.KDF == (KDFParams{}) {
		cfg.KDF = DefaultKDFParams()
	}
	if cfg.KDF.MemoryKiB == 0 || cfg.KDF.Iterations == 0 || cfg.KDF.Parallelism == 0 {
		return nil, fmt.Errorf("%w: kdf params must be positive", ErrConfig)
	}
	return &FileStore{cfg: cfg}, nil
}

func (f *FileStore) Read(ctx context.Context) (Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, opErr("file", "read", err)
	}

	var env fileEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Session{}, false, opErr("file", "decode", err)
	}
	if env.V != fileFormatVersion {
		return Session{}, false, opErr("file", "decode", fmt.Errorf("unsupported format version %d", env.V))
	}

	plain := env.Data
	if len(env.Nonce) > 0 {
		if f.cfg.Passphrase == "" {
			return Session{}, false, opErr("file", "open", errors.New("file is sealed but no passphrase is configured"))
		}
		aead, err := f.aead(env.Salt)
		if err != nil {
			return Session{}, false, opErr("file", "open", err)
		}
		plain, err = aead.Open(nil, env.Nonce, env.Data, []byte(SlotAccessToken))
		if err != nil {
			return Session{}, false, opErr("file", "open", err)
		}
	}

	var s Session
	if err := json.Unmarshal(plain, &s); err != nil {
		return Session{}, false, opErr("file", "decode", err)
	}
	if s.Empty() {
		return Session{}, false, nil
	}
	return s, true, nil
}

func (f *FileStore) Write(ctx context.Context, access, refresh string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	plain, err := json.Marshal(Session{AccessToken: access, RefreshToken: refresh})
	if err != nil {
		return opErr("file", "encode", err)
	}

	env := fileEnvelope{V: fileFormatVersion, Data: plain}
	if f.cfg.Passphrase != "" {
		salt := f.salt
		if salt == nil {
			salt = make([]byte, 16)
			if _, err := rand.Read(salt); err != nil {
				return opErr("file", "seal", err)
			}
		}
		aead, err := f.aead(salt)
		if err != nil {
			return opErr("file", "seal", err)
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return opErr("file", "seal", err)
		}
		env.Salt = salt
		env.Nonce = nonce
		env.Data = aead.Seal(nil, nonce, plain, []byte(SlotAccessToken))
	}

	out, err := json.Marshal(env)
	if err != nil {
		return opErr("file", "encode", err)
	}
	return opErr("file", "write", writeFileAtomic(f.cfg.Path, out))
}

func (f *FileStore) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.cfg.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return opErr("file", "clear", err)
	}
	return nil
}

// aead returns the cipher for salt, deriving the key once per salt. Caller holds f.mu.
func (f *FileStore) aead(salt []byte) (cipher.AEAD, error) {
	if len(salt) == 0 {
		return nil, errors.New("missing salt")
	}
	if f.key == nil || string(f.salt) != string(salt) {
		p := f.cfg.KDF
		f.key = argon2.IDKey([]byte(f.cfg.Passphrase), salt, p.Iterations, p.MemoryKiB, p.Parallelism, chacha20poly1305.KeySize)
		f.salt = append([]byte(nil), salt...)
	}
	return chacha20poly1305.NewX(f.key)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
