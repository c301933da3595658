package mp4

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// KeySource supplies content keys for CENC-protected tracks. FetchKeys is
// invoked once per distinct pssh box before any sample of a protected track
// is delivered; GetKey resolves a key ID (16 bytes) to an AES-128 key.
type KeySource interface {
	FetchKeys(pssh []byte) error
	GetKey(keyID []byte) ([]byte, error)
}

// Subsample is one clear/encrypted region pair of a CENC subsample pattern.
type Subsample struct {
	Clear  uint16
	Cipher uint32
}

// SampleEncryption is the per-sample CENC descriptor: the initialization
// vector plus the subsample map. An empty Subsamples list means the whole
// sample payload is encrypted.
type SampleEncryption struct {
	IV         []byte
	Subsamples []Subsample
}

const sencSubsamplesPresent = 0x2

// parseSenc decodes senc box data into per-sample encryption descriptors.
// ivSize comes from the track's tenc defaults.
func parseSenc(data []byte, flags uint32, ivSize uint8) ([]SampleEncryption, error) {
	if ivSize == 0 {
		return nil, fmt.Errorf("%w: constant IVs are not supported", ErrUnsupportedConfig)
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: senc too small", ErrMalformedBox)
	}
	count := int(be.Uint32(data[0:4]))
	ptr := 4

	encs := make([]SampleEncryption, count)
	for i := 0; i < count; i++ {
		if ptr+int(ivSize) > len(data) {
			return nil, fmt.Errorf("%w: senc IV cut short at entry %d", ErrMalformedBox, i)
		}
		encs[i].IV = data[ptr : ptr+int(ivSize)]
		ptr += int(ivSize)

		if flags&sencSubsamplesPresent == 0 {
			continue
		}
		if ptr+2 > len(data) {
			return nil, fmt.Errorf("%w: senc subsample count cut short at entry %d", ErrMalformedBox, i)
		}
		n := int(be.Uint16(data[ptr:]))
		ptr += 2
		if ptr+n*6 > len(data) {
			return nil, fmt.Errorf("%w: senc subsamples cut short at entry %d", ErrMalformedBox, i)
		}
		subs := make([]Subsample, n)
		for j := range subs {
			subs[j].Clear = be.Uint16(data[ptr:])
			subs[j].Cipher = be.Uint32(data[ptr+2:])
			ptr += 6
		}
		encs[i].Subsamples = subs
	}
	return encs, nil
}

// resolveAux decodes a sample auxiliary information block (the saiz/saio form
// of per-sample encryption info) and attaches the descriptors to the request's
// samples. Each entry is an IV followed, when the entry is larger than the IV,
// by a subsample count and clear/encrypted pairs.
func resolveAux(data []byte, req *auxRequest) error {
	ptr := 0
	for i, ref := range req.refs {
		sz := int(req.sizes[i])
		if ptr+sz > len(data) {
			return fmt.Errorf("%w: aux info entry %d cut short", ErrMalformedBox, i)
		}
		entry := data[ptr : ptr+sz]
		ptr += sz

		enc := &SampleEncryption{IV: entry[:req.ivSize]}
		if sz > int(req.ivSize) {
			rest := entry[req.ivSize:]
			if len(rest) < 2 {
				return fmt.Errorf("%w: aux info entry %d subsample count cut short", ErrMalformedBox, i)
			}
			n := int(be.Uint16(rest))
			rest = rest[2:]
			if len(rest) < n*6 {
				return fmt.Errorf("%w: aux info entry %d subsamples cut short", ErrMalformedBox, i)
			}
			subs := make([]Subsample, n)
			for j := range subs {
				subs[j].Clear = be.Uint16(rest)
				subs[j].Cipher = be.Uint32(rest[2:])
				rest = rest[6:]
			}
			enc.Subsamples = subs
		}
		ref.enc = enc
	}
	return nil
}

// decryptSample decrypts a sample payload in place with AES-128-CTR. CENC IVs
// shorter than the block size are zero-padded on the right; clear and
// encrypted subsample regions share one counter stream.
func decryptSample(block cipher.Block, enc *SampleEncryption, data []byte) error {
	var iv [aes.BlockSize]byte
	copy(iv[:], enc.IV)
	stream := cipher.NewCTR(block, iv[:])

	if len(enc.Subsamples) == 0 {
		stream.XORKeyStream(data, data)
		return nil
	}
	pos := 0
	for _, sub := range enc.Subsamples {
		pos += int(sub.Clear)
		end := pos + int(sub.Cipher)
		if end > len(data) {
			return fmt.Errorf("%w: subsample map overflows sample payload", ErrMalformedBox)
		}
		stream.XORKeyStream(data[pos:end], data[pos:end])
		pos = end
	}
	return nil
}

// keyRing coordinates a KeySource: pssh boxes are handed to FetchKeys once
// each, and resolved AES ciphers are cached per key ID. All failures are soft;
// affected samples are delivered encrypted instead of failing the parse.
type keyRing struct {
	src     KeySource
	fetched map[string]bool
	blocks  map[uuid.UUID]cipher.Block
	failed  map[uuid.UUID]bool
}

func newKeyRing(src KeySource) *keyRing {
	return &keyRing{
		src:     src,
		fetched: make(map[string]bool),
		blocks:  make(map[uuid.UUID]cipher.Block),
		failed:  make(map[uuid.UUID]bool),
	}
}

// fetchAll offers every not-yet-seen pssh box to the key source.
func (k *keyRing) fetchAll(pssh []PsshInfo) {
	if k == nil {
		return
	}
	for _, p := range pssh {
		id := string(p.Raw)
		if k.fetched[id] {
			continue
		}
		k.fetched[id] = true
		if err := k.src.FetchKeys(p.Raw); err != nil {
			log.WithField("system_id", p.SystemID).Warnf("key fetch failed: %v", err)
		}
	}
}

// blockFor returns the cached AES cipher for a key ID, resolving it through
// the key source on first use. Returns nil when the key is unavailable.
func (k *keyRing) blockFor(kid uuid.UUID) cipher.Block {
	if k == nil {
		return nil
	}
	if b, ok := k.blocks[kid]; ok {
		return b
	}
	if k.failed[kid] {
		return nil
	}
	key, err := k.src.GetKey(kid[:])
	if err != nil {
		k.failed[kid] = true
		log.WithField("key_id", kid).Warnf("%v: %v", ErrKeyRetrieval, err)
		return nil
	}
	b, err := aes.NewCipher(key)
	if err != nil {
		k.failed[kid] = true
		log.WithField("key_id", kid).Warnf("%v: %v", ErrKeyRetrieval, err)
		return nil
	}
	k.blocks[kid] = b
	return b
}
