// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/helpdesk/lib/codec"
	"github.com/bureau-foundation/helpdesk/lib/model"
	"github.com/bureau-foundation/helpdesk/lib/secret"
)

// ErrNoCache means no cache file exists for the server and login.
var ErrNoCache = errors.New("replica: no cache")

const (
	cacheFormatVersion = 1
	stateVersion       = 1
	saltSize           = 16
	cacheHeaderSize    = 1 + 4 + 4 + 1 + saltSize + chacha20poly1305.NonceSizeX
	maxCacheSize       = 256 << 20
)

// cacheNameKey is the BLAKE3 key for cache file names: ASCII domain
// name zero-padded to 32 bytes.
var cacheNameKey = [32]byte{
	'h', 'e', 'l', 'p', 'd', 'e', 's', 'k', '.', 'r', 'e', 'p', 'l', 'i', 'c', 'a',
	'.', 'c', 'a', 'c', 'h', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

var hkdfInfoCache = []byte("helpdesk.replica.cache.v1")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		panic("replica: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxCacheSize))
	if err != nil {
		panic("replica: zstd decoder initialization failed: " + err.Error())
	}
}

// KDFParams are the argon2id cost parameters for the cache key.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams follow the argon2id interactive recommendation.
var DefaultKDFParams = KDFParams{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}

// State is the serialized form of a replica.
type State struct {
	Version    int             `cbor:"version"`
	Server     string          `cbor:"server"`
	Login      string          `cbor:"login"`
	LocalUser  model.User      `cbor:"local_user"`
	GroupNames []string        `cbor:"group_names,omitempty"`
	SyncedAt   int64           `cbor:"synced_at"`
	Users      []model.User    `cbor:"users,omitempty"`
	Groups     []model.Group   `cbor:"groups,omitempty"`
	Tickets    []model.Ticket  `cbor:"tickets,omitempty"`
	Messages   []model.Message `cbor:"messages,omitempty"`
}

// Export captures the replica as a State.
func (r *Replica) Export(server string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return State{
		Version:    stateVersion,
		Server:     server,
		Login:      r.login,
		LocalUser:  r.localUser,
		GroupNames: append([]string(nil), r.groupNames...),
		SyncedAt:   r.syncedAt,
		Users:      r.users.All(),
		Groups:     r.groups.All(),
		Tickets:    r.tickets.All(),
		Messages:   r.messages.All(),
	}
}

// Restore rebuilds a replica from a State.
func Restore(state State) *Replica {
	restored := New(state.Login)
	restored.users.Replace(state.Users)
	restored.groups.Replace(state.Groups)
	restored.tickets.Replace(state.Tickets)
	restored.messages.Replace(state.Messages)
	restored.groupNames = append([]string(nil), state.GroupNames...)
	restored.syncedAt = state.SyncedAt
	if state.LocalUser.Login == state.Login {
		restored.localUser = state.LocalUser
	}
	return restored
}

// Cache stores encrypted replicas in a directory, one file per server
// and login. File contents are zstd-compressed CBOR sealed with
// XChaCha20-Poly1305 under a key derived from the user's password
// with argon2id.
type Cache struct {
	Directory string
	KDF       KDFParams
}

// NewCache returns a cache rooted at directory with default KDF cost.
func NewCache(directory string) *Cache {
	return &Cache{Directory: directory, KDF: DefaultKDFParams}
}

func cacheIdentity(server, login string) [32]byte {
	hasher, err := blake3.NewKeyed(cacheNameKey[:])
	if err != nil {
		panic("replica: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(server))
	hasher.Write([]byte{0})
	hasher.Write([]byte(login))
	var sum [32]byte
	hasher.Sum(sum[:0])
	return sum
}

// Path returns the cache file for server and login. The name is a
// keyed hash, so the directory listing does not reveal logins.
func (c *Cache) Path(server, login string) string {
	identity := cacheIdentity(server, login)
	return filepath.Join(c.Directory, hex.EncodeToString(identity[:16])+".replica")
}

// Save writes the replica atomically with mode 0600.
func (c *Cache) Save(server string, replica *Replica, password *secret.Buffer) error {
	state := replica.Export(server)
	plaintext, err := codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding replica: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(plaintext, nil)

	params := c.KDF
	if params.Time == 0 {
		params = DefaultKDFParams
	}
	header := make([]byte, cacheHeaderSize)
	header[0] = cacheFormatVersion
	binary.BigEndian.PutUint32(header[1:5], params.Time)
	binary.BigEndian.PutUint32(header[5:9], params.MemoryKiB)
	header[9] = params.Threads
	if _, err := io.ReadFull(rand.Reader, header[10:]); err != nil {
		return fmt.Errorf("generating salt and nonce: %w", err)
	}
	salt := header[10 : 10+saltSize]
	nonce := append([]byte(nil), header[10+saltSize:]...)

	key, err := deriveKey(password, salt, params)
	if err != nil {
		return err
	}
	defer key.Close()
	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	output := aead.Seal(header, nonce, compressed, cacheAAD(header[0], server, state.Login))

	if err := os.MkdirAll(c.Directory, 0o700); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	path := c.Path(server, state.Login)
	temporary, err := os.CreateTemp(c.Directory, ".replica-*")
	if err != nil {
		return fmt.Errorf("creating cache file: %w", err)
	}
	defer os.Remove(temporary.Name())
	if _, err := temporary.Write(output); err != nil {
		temporary.Close()
		return fmt.Errorf("writing cache file: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("closing cache file: %w", err)
	}
	if err := os.Chmod(temporary.Name(), 0o600); err != nil {
		return fmt.Errorf("setting cache file mode: %w", err)
	}
	if err := os.Rename(temporary.Name(), path); err != nil {
		return fmt.Errorf("installing cache file: %w", err)
	}
	return nil
}

// Load reads and decrypts the replica for server and login. Returns
// ErrNoCache if there is none; a wrong password or a tampered file is
// an error.
func (c *Cache) Load(server, login string, password *secret.Buffer) (*Replica, error) {
	data, err := os.ReadFile(c.Path(server, login))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoCache
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache file: %w", err)
	}
	if len(data) < cacheHeaderSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("cache file is %d bytes, too short", len(data))
	}
	if data[0] != cacheFormatVersion {
		return nil, fmt.Errorf("cache format version %d is not supported", data[0])
	}
	params := KDFParams{
		Time:      binary.BigEndian.Uint32(data[1:5]),
		MemoryKiB: binary.BigEndian.Uint32(data[5:9]),
		Threads:   data[9],
	}
	if params.Time == 0 || params.Threads == 0 || params.MemoryKiB > 4<<20 {
		return nil, fmt.Errorf("cache file has invalid KDF parameters %+v", params)
	}
	salt := data[10 : 10+saltSize]
	nonce := data[10+saltSize : cacheHeaderSize]

	key, err := deriveKey(password, salt, params)
	if err != nil {
		return nil, err
	}
	defer key.Close()
	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	compressed, err := aead.Open(nil, nonce, data[cacheHeaderSize:], cacheAAD(data[0], server, login))
	if err != nil {
		return nil, fmt.Errorf("decrypting cache (wrong password or tampered file): %w", err)
	}
	plaintext, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing cache: %w", err)
	}

	var state State
	if err := codec.Unmarshal(plaintext, &state); err != nil {
		return nil, fmt.Errorf("decoding cache: %w", err)
	}
	if state.Version != stateVersion {
		return nil, fmt.Errorf("cache state version %d is not supported", state.Version)
	}
	if state.Server != server || state.Login != login {
		return nil, fmt.Errorf("cache belongs to %s@%s", state.Login, state.Server)
	}
	return Restore(state), nil
}

// Remove deletes the cache file for server and login, if any.
func (c *Cache) Remove(server, login string) error {
	err := os.Remove(c.Path(server, login))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing cache file: %w", err)
	}
	return nil
}

func cacheAAD(version byte, server, login string) []byte {
	identity := cacheIdentity(server, login)
	return append([]byte{version}, identity[:]...)
}

// deriveKey stretches the password with argon2id and expands the
// result with HKDF into the 32-byte cache key.
func deriveKey(password *secret.Buffer, salt []byte, params KDFParams) (*secret.Buffer, error) {
	root := argon2.IDKey(password.Bytes(), salt, params.Time, params.MemoryKiB, params.Threads, 32)
	defer secret.Zero(root)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, root, salt, hkdfInfoCache), key); err != nil {
		return nil, fmt.Errorf("deriving cache key: %w", err)
	}
	buffer, err := secret.NewFromBytes(key)
	if err != nil {
		return nil, fmt.Errorf("protecting cache key: %w", err)
	}
	return buffer, nil
}
