// Package sidecar implements the external descriptor file fishy uses to
// record where hidden fragments live on a cover image: which technique
// hid them, which cover file they belong to, which clusters they occupy,
// and where within those clusters the payload starts and ends.
//
// The sidecar is deliberately kept outside the FAT image itself -- it is
// the only place fishy's own bookkeeping lives, since the whole point of
// both hiding techniques is that the image's own directory/FAT structures
// stay unchanged. A sidecar can optionally be passphrase-encrypted so that
// possessing the cover image alone isn't enough to learn what's hidden.
package sidecar

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/gob"
	"io"

	"golang.org/x/crypto/scrypt"

	"github.com/importantchoice/fishy/errs"
)

// magic identifies a fishy sidecar stream; it is always the first four
// bytes written.
var magic = [4]byte{'F', 'S', 'H', '1'}

const (
	flagPlain     = 0
	flagEncrypted = 1

	saltSize  = 16
	nonceSize = 12
	keySize   = 32
)

// scrypt cost parameters. N is deliberately modest (not the 2^20 used for
// long-term key storage) since sidecars are meant to be opened repeatedly
// during an interactive session.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// TechniqueFileSlack and TechniqueAdditionalCluster name the two hiding
// techniques a sidecar Entry can record.
const (
	TechniqueFileSlack         = "file-slack"
	TechniqueAdditionalCluster = "additional-cluster"
)

// Entry records one hidden fragment: which technique placed it, which
// cover file it rides on, the clusters it occupies (in order), the byte
// offset within the first of those clusters where the payload begins, and
// the total payload length.
type Entry struct {
	Technique     string
	CoverPath     string
	Clusters      []uint32
	OffsetInFirst uint32
	LengthTotal   uint64
}

// Sidecar is the full set of hidden-fragment records for one cover image.
type Sidecar struct {
	Entries []Entry
}

// Add appends entry to the sidecar.
func (s *Sidecar) Add(entry Entry) {
	s.Entries = append(s.Entries, entry)
}

// Write serializes sc to w. If passphrase is non-empty the stream is
// encrypted with a key derived from it via scrypt; otherwise it is written
// as plain gob-encoded data behind the magic header.
func Write(w io.Writer, sc *Sidecar, passphrase string) error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(sc); err != nil {
		return errs.Wrap(errs.SidecarCorrupt, err, "failed to encode sidecar")
	}

	if _, err := w.Write(magic[:]); err != nil {
		return errs.Wrap(errs.IoFailed, err, "failed to write sidecar magic")
	}

	if passphrase == "" {
		if _, err := w.Write([]byte{flagPlain}); err != nil {
			return errs.Wrap(errs.IoFailed, err, "failed to write sidecar flag")
		}
		if _, err := w.Write(payload.Bytes()); err != nil {
			return errs.Wrap(errs.IoFailed, err, "failed to write sidecar body")
		}
		return nil
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return errs.Wrap(errs.IoFailed, err, "failed to generate salt")
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return errs.Wrap(errs.IoFailed, err, "failed to generate nonce")
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return err
	}

	ciphertext := gcm.Seal(nil, nonce, payload.Bytes(), nil)

	if _, err := w.Write([]byte{flagEncrypted}); err != nil {
		return errs.Wrap(errs.IoFailed, err, "failed to write sidecar flag")
	}
	if _, err := w.Write(salt); err != nil {
		return errs.Wrap(errs.IoFailed, err, "failed to write sidecar salt")
	}
	if _, err := w.Write(nonce); err != nil {
		return errs.Wrap(errs.IoFailed, err, "failed to write sidecar nonce")
	}
	if _, err := w.Write(ciphertext); err != nil {
		return errs.Wrap(errs.IoFailed, err, "failed to write sidecar ciphertext")
	}
	return nil
}

// Read parses a sidecar stream previously produced by Write. passphrase
// must match what was used to write it if (and only if) the stream is
// encrypted; it is ignored for plain streams.
func Read(r io.Reader, passphrase string) (*Sidecar, error) {
	var gotMagic [4]byte
	if _, err := io.ReadFull(r, gotMagic[:]); err != nil {
		return nil, errs.Wrap(errs.SidecarCorrupt, err, "failed to read sidecar magic")
	}
	if gotMagic != magic {
		return nil, errs.New(errs.SidecarCorrupt, "not a fishy sidecar: bad magic %q", gotMagic[:])
	}

	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return nil, errs.Wrap(errs.SidecarCorrupt, err, "failed to read sidecar flag")
	}

	var payload []byte

	switch flag[0] {
	case flagPlain:
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, errs.Wrap(errs.SidecarCorrupt, err, "failed to read sidecar body")
		}
		payload = body

	case flagEncrypted:
		if passphrase == "" {
			return nil, errs.New(errs.SidecarCorrupt, "sidecar is encrypted but no passphrase was given")
		}

		salt := make([]byte, saltSize)
		if _, err := io.ReadFull(r, salt); err != nil {
			return nil, errs.Wrap(errs.SidecarCorrupt, err, "failed to read sidecar salt")
		}
		nonce := make([]byte, nonceSize)
		if _, err := io.ReadFull(r, nonce); err != nil {
			return nil, errs.Wrap(errs.SidecarCorrupt, err, "failed to read sidecar nonce")
		}
		ciphertext, err := io.ReadAll(r)
		if err != nil {
			return nil, errs.Wrap(errs.SidecarCorrupt, err, "failed to read sidecar ciphertext")
		}

		gcm, err := newGCM(passphrase, salt)
		if err != nil {
			return nil, err
		}

		plain, err := gcm.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, errs.Wrap(errs.SidecarCorrupt, err, "sidecar authentication failed: wrong passphrase or corrupted file")
		}
		payload = plain

	default:
		return nil, errs.New(errs.SidecarCorrupt, "unknown sidecar flag byte %d", flag[0])
	}

	var sc Sidecar
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&sc); err != nil {
		return nil, errs.Wrap(errs.SidecarCorrupt, err, "failed to decode sidecar body")
	}
	return &sc, nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, errs.Wrap(errs.SidecarCorrupt, err, "key derivation failed")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.SidecarCorrupt, err, "failed to construct cipher")
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.SidecarCorrupt, err, "failed to construct AEAD")
	}
	return gcm, nil
}
