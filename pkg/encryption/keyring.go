// Package encryption derives backup data keys from a master key, rotates
// them on a schedule and seals artifacts with AES-256-GCM.
package encryption

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/state"
	"golang.org/x/crypto/hkdf"
)

const keySize = 32

// KeyInfo describes one data key. Key material is never persisted; it is
// re-derived from the master key and the version.
type KeyInfo struct {
	ID        string    `json:"id"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
}

type dataKey struct {
	KeyInfo
	material []byte
}

// KeyRing holds the current primary key plus a bounded, newest-first history
// of rotated keys so older artifacts stay decryptable.
type KeyRing struct {
	mu      sync.RWMutex
	master  []byte
	history int
	keys    []dataKey // newest first
	store   *state.Collection[KeyInfo]
	now     func() time.Time
}

// NewKeyRing derives keys from masterKeyHex. history bounds how many keys
// are retained including the primary. store may be nil for an in-memory ring.
func NewKeyRing(masterKeyHex string, history int, store *state.Collection[KeyInfo]) (*KeyRing, error) {
	master, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, drerrors.Configuration("keyring", fmt.Errorf("invalid master key hex: %w", err))
	}
	if len(master) < keySize {
		return nil, drerrors.Configuration("keyring", fmt.Errorf("master key must be at least %d bytes, got %d", keySize, len(master)))
	}
	if history < 1 {
		history = 1
	}

	kr := &KeyRing{master: master, history: history, store: store, now: time.Now}

	if store != nil {
		infos := store.List()
		sort.Slice(infos, func(i, j int) bool { return infos[i].Version > infos[j].Version })
		for _, info := range infos {
			k, err := kr.derive(info.Version, info.CreatedAt)
			if err != nil {
				return nil, err
			}
			if k.ID != info.ID {
				return nil, drerrors.Configuration("keyring", fmt.Errorf("key %s does not match the configured master key", info.ID))
			}
			kr.keys = append(kr.keys, k)
		}
		// a lowered history bound applies to keys already on disk
		if len(kr.keys) > history {
			for _, d := range kr.keys[history:] {
				if err := store.Delete(d.ID); err != nil {
					return nil, err
				}
			}
			kr.keys = kr.keys[:history]
		}
	}

	if len(kr.keys) == 0 {
		if _, err := kr.Rotate(); err != nil {
			return nil, err
		}
	}
	return kr, nil
}

func (kr *KeyRing) derive(version int, created time.Time) (dataKey, error) {
	salt := sha256.Sum256([]byte("godrguard-backup-salt-v1"))
	info := []byte(fmt.Sprintf("godrguard-backup-key:v%d", version))
	material := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, kr.master, salt[:], info), material); err != nil {
		return dataKey{}, fmt.Errorf("key derivation failed: %w", err)
	}
	fp := sha256.Sum256(material)
	return dataKey{
		KeyInfo: KeyInfo{
			ID:        fmt.Sprintf("v%d-%s", version, hex.EncodeToString(fp[:4])),
			Version:   version,
			CreatedAt: created,
		},
		material: material,
	}, nil
}

// Rotate derives the next key version, makes it primary and drops keys
// beyond the history bound.
func (kr *KeyRing) Rotate() (KeyInfo, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	next := 1
	if len(kr.keys) > 0 {
		next = kr.keys[0].Version + 1
	}
	k, err := kr.derive(next, kr.now())
	if err != nil {
		return KeyInfo{}, err
	}

	keys := append([]dataKey{k}, kr.keys...)
	var dropped []dataKey
	if len(keys) > kr.history {
		dropped = keys[kr.history:]
		keys = keys[:kr.history]
	}

	if kr.store != nil {
		if err := kr.store.Put(k.ID, k.KeyInfo); err != nil {
			return KeyInfo{}, err
		}
		for _, d := range dropped {
			if err := kr.store.Delete(d.ID); err != nil {
				return KeyInfo{}, err
			}
		}
	}
	kr.keys = keys
	return k.KeyInfo, nil
}

// Primary returns the key used for new artifacts
func (kr *KeyRing) Primary() KeyInfo {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.keys[0].KeyInfo
}

// Keys returns the retained keys newest first
func (kr *KeyRing) Keys() []KeyInfo {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	out := make([]KeyInfo, len(kr.keys))
	for i, k := range kr.keys {
		out[i] = k.KeyInfo
	}
	return out
}

// DueForRotation reports whether the primary key is older than interval
func (kr *KeyRing) DueForRotation(interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	return kr.now().Sub(kr.Primary().CreatedAt) >= interval
}

func (kr *KeyRing) primary() dataKey {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.keys[0]
}

// candidates returns the key named in an artifact header first (if still
// retained) followed by the rest, newest first.
func (kr *KeyRing) candidates(hint string) []dataKey {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	out := make([]dataKey, 0, len(kr.keys))
	for _, k := range kr.keys {
		if k.ID == hint {
			out = append(out, k)
		}
	}
	for _, k := range kr.keys {
		if k.ID != hint {
			out = append(out, k)
		}
	}
	return out
}
