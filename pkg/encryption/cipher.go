package encryption

import (
	"bufio"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/supporttools/GoDRGuard/pkg/drerrors"
)

// Magic prefixes every sealed artifact
var Magic = []byte("GDRG")

const (
	formatVersion = 1
	chunkSize     = 64 * 1024
	nonceSize     = 12
	flagMore      = 0
	flagFinal     = 1
)

// IsSealed reports whether header starts with the artifact magic
func IsSealed(header []byte) bool {
	return bytes.HasPrefix(header, Magic)
}

// HeaderSize returns the length of the plaintext header for a key id
func HeaderSize(keyID string) int {
	return len(Magic) + 2 + len(keyID) + nonceSize
}

// Encrypt seals src into dst with the primary key and returns the key id used.
// Layout: magic | version | len(keyID) | keyID | base nonce, followed by
// chunks of flag | length | GCM ciphertext. The flag and chunk index are
// authenticated so truncation and reordering are detected.
func (kr *KeyRing) Encrypt(dst io.Writer, src io.Reader) (string, error) {
	k := kr.primary()
	aead, err := newAEAD(k.material)
	if err != nil {
		return "", err
	}

	base := make([]byte, nonceSize)
	if _, err := rand.Read(base); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	header := make([]byte, 0, HeaderSize(k.ID))
	header = append(header, Magic...)
	header = append(header, formatVersion, byte(len(k.ID)))
	header = append(header, k.ID...)
	header = append(header, base...)
	if _, err := dst.Write(header); err != nil {
		return "", err
	}

	r := bufio.NewReaderSize(src, chunkSize)
	buf := make([]byte, chunkSize)
	var index uint64
	for {
		n, err := io.ReadFull(r, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return "", err
		}
		final := err == io.EOF || err == io.ErrUnexpectedEOF
		if !final {
			if _, perr := r.Peek(1); perr == io.EOF {
				final = true
			}
		}

		flag := byte(flagMore)
		if final {
			flag = flagFinal
		}
		sealed := aead.Seal(nil, chunkNonce(base, index), buf[:n], chunkAAD(index, flag))

		var frame [5]byte
		frame[0] = flag
		binary.BigEndian.PutUint32(frame[1:], uint32(len(sealed)))
		if _, err := dst.Write(frame[:]); err != nil {
			return "", err
		}
		if _, err := dst.Write(sealed); err != nil {
			return "", err
		}

		if final {
			return k.ID, nil
		}
		index++
	}
}

// Decrypt opens an artifact sealed by Encrypt. The key named in the header
// is tried first, then every other retained key newest first. An artifact
// whose key has aged out of the ring fails with ErrKeyUnavailable.
func (kr *KeyRing) Decrypt(dst io.Writer, src io.Reader) (string, error) {
	r := bufio.NewReader(src)

	prefix := make([]byte, len(Magic)+2)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return "", drerrors.Integrity("decrypting", fmt.Errorf("artifact header truncated: %w", err))
	}
	if !bytes.Equal(prefix[:len(Magic)], Magic) {
		return "", drerrors.Integrity("decrypting", fmt.Errorf("artifact is not sealed"))
	}
	if prefix[len(Magic)] != formatVersion {
		return "", drerrors.Integrity("decrypting", fmt.Errorf("unsupported artifact format %d", prefix[len(Magic)]))
	}
	hint := make([]byte, int(prefix[len(Magic)+1]))
	base := make([]byte, nonceSize)
	if _, err := io.ReadFull(r, hint); err != nil {
		return "", drerrors.Integrity("decrypting", err)
	}
	if _, err := io.ReadFull(r, base); err != nil {
		return "", drerrors.Integrity("decrypting", err)
	}

	flag, first, err := readChunk(r)
	if err != nil {
		return "", drerrors.Integrity("decrypting", err)
	}

	var aead cipher.AEAD
	var keyID string
	var plain []byte
	for _, k := range kr.candidates(string(hint)) {
		a, err := newAEAD(k.material)
		if err != nil {
			return "", err
		}
		p, err := a.Open(nil, chunkNonce(base, 0), first, chunkAAD(0, flag))
		if err == nil {
			aead, keyID, plain = a, k.ID, p
			break
		}
	}
	if aead == nil {
		return "", drerrors.Integrity("decrypting", fmt.Errorf("no retained key opens artifact sealed with %s: %w", hint, drerrors.ErrKeyUnavailable))
	}

	var index uint64
	for {
		if _, err := dst.Write(plain); err != nil {
			return keyID, err
		}
		if flag == flagFinal {
			if _, err := r.Peek(1); !errors.Is(err, io.EOF) {
				return keyID, drerrors.Integrity("decrypting", fmt.Errorf("trailing data after final chunk"))
			}
			return keyID, nil
		}
		index++
		var sealed []byte
		flag, sealed, err = readChunk(r)
		if err != nil {
			return keyID, drerrors.Integrity("decrypting", fmt.Errorf("chunk %d: %w", index, err))
		}
		plain, err = aead.Open(nil, chunkNonce(base, index), sealed, chunkAAD(index, flag))
		if err != nil {
			return keyID, drerrors.Integrity("decrypting", fmt.Errorf("chunk %d failed authentication: %w", index, err))
		}
	}
}

func readChunk(r io.Reader) (byte, []byte, error) {
	var frame [5]byte
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		return 0, nil, fmt.Errorf("chunk header truncated: %w", err)
	}
	size := binary.BigEndian.Uint32(frame[1:])
	if size > chunkSize+64 {
		return 0, nil, fmt.Errorf("chunk length %d out of range", size)
	}
	sealed := make([]byte, size)
	if _, err := io.ReadFull(r, sealed); err != nil {
		return 0, nil, fmt.Errorf("chunk truncated: %w", err)
	}
	return frame[0], sealed, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func chunkNonce(base []byte, index uint64) []byte {
	nonce := append([]byte(nil), base...)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], index)
	for i := 0; i < 8; i++ {
		nonce[nonceSize-8+i] ^= ctr[i]
	}
	return nonce
}

func chunkAAD(index uint64, flag byte) []byte {
	aad := make([]byte, 9)
	binary.BigEndian.PutUint64(aad, index)
	aad[8] = flag
	return aad
}
