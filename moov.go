package mp4

import (
	"fmt"

	"github.com/google/uuid"
)

// Handler types from the hdlr box.
var (
	handlerVideo = [4]byte{'v', 'i', 'd', 'e'}
	handlerAudio = [4]byte{'s', 'o', 'u', 'n'}
	handlerText  = [4]byte{'t', 'e', 'x', 't'}
)

// Movie is the decoded init segment (moov box).
type Movie struct {
	Timescale uint32
	Duration  uint64
	// Fragmented reports whether an mvex box was present, i.e. samples are
	// carried in moof fragments rather than the moov sample tables.
	Fragmented bool
	Tracks     []*TrackBox
	Extends    map[uint32]TrexInfo
	Pssh       []PsshInfo
}

// trackByID returns the track with the given ID, or nil.
func (m *Movie) trackByID(id uint32) *TrackBox {
	for _, trk := range m.Tracks {
		if trk.ID == id {
			return trk
		}
	}
	return nil
}

// TrexInfo carries a track's default sample values for fragments.
type TrexInfo struct {
	TrackID          uint32
	DescriptionIndex uint32
	Duration         uint32
	Size             uint32
	Flags            uint32
}

// PsshInfo is a decoded protection system specific header.
type PsshInfo struct {
	SystemID uuid.UUID
	Data     []byte // system-specific payload
	Raw      []byte // the whole pssh box, handed to key sources verbatim
}

// TrackBox is one decoded trak tree.
type TrackBox struct {
	ID       uint32
	Duration uint64 // in movie timescale
	// TkhdWidth and TkhdHeight are 16.16 fixed-point presentation dimensions.
	TkhdWidth  uint32
	TkhdHeight uint32

	Timescale uint32
	Handler   [4]byte

	Entry  *SampleEntryInfo
	Tables SampleTables
}

// SampleTables holds the raw data ranges of a track's sample table boxes.
// All slices point into the owned moov copy held by the parser.
type SampleTables struct {
	Stts []byte
	Stsz []byte
	Stsc []byte
	Stco []byte
	Co64 []byte
	Stss []byte
	Ctts []byte
}

// HasSamples reports whether the progressive sample tables describe any samples.
func (t *SampleTables) HasSamples() bool {
	if t.Stsz == nil {
		return false
	}
	it := NewStszIter(t.Stsz)
	return it.Count() > 0
}

// SampleEntryInfo is the decoded first entry of a track's stsd box.
type SampleEntryInfo struct {
	Format BoxType // original format; encv/enca are resolved via frma

	Visual *VisualSampleEntry
	Audio  *AudioSampleEntry

	AVC  *AVCConfig
	HEVC *HEVCConfig
	ES   *ESDescriptor

	// Pixel aspect ratio box values; zero when the box is absent.
	PaspH uint32
	PaspV uint32

	Protection *TrackProtection
}

// TrackProtection is the decoded sinf chain of an encrypted sample entry.
type TrackProtection struct {
	SchemeType      BoxType
	DefaultKeyID    uuid.UUID
	PerSampleIVSize uint8
	IsProtected     bool
}

// ParseMovie decodes a complete moov box. The data must be an owned copy:
// the returned structures keep sub-slices of it alive for the parser lifetime.
func ParseMovie(data []byte) (*Movie, error) {
	r := NewReader(data)
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: empty moov range", ErrMalformedBox)
	}
	if r.Type() != TypeMoov {
		return nil, fmt.Errorf("%w: expected moov, got %s", ErrMalformedBox, r.Type())
	}

	m := &Movie{Extends: make(map[uint32]TrexInfo)}

	r.Enter()
	for r.Next() {
		switch r.Type() {
		case TypeMvhd:
			ts, dur, _, err := r.ReadMvhd()
			if err != nil {
				return nil, err
			}
			m.Timescale = ts
			m.Duration = dur
		case TypeTrak:
			trk, err := parseTrak(&r)
			if err != nil {
				return nil, err
			}
			m.Tracks = append(m.Tracks, trk)
		case TypeMvex:
			m.Fragmented = true
			r.Enter()
			for r.Next() {
				if r.Type() == TypeTrex {
					trex, err := r.ReadTrex()
					if err != nil {
						return nil, err
					}
					m.Extends[trex.TrackID] = trex
				}
			}
			r.Exit()
		case TypePssh:
			pssh, err := parsePssh(&r)
			if err != nil {
				return nil, err
			}
			m.Pssh = append(m.Pssh, pssh)
		}
	}
	r.Exit()
	if err := r.Err(); err != nil {
		return nil, err
	}

	if m.Timescale == 0 {
		return nil, fmt.Errorf("%w: moov missing mvhd", ErrMalformedBox)
	}
	if len(m.Tracks) == 0 {
		return nil, fmt.Errorf("%w: moov contains no tracks", ErrMalformedBox)
	}
	return m, nil
}

// parseTrak decodes one trak box. The reader is positioned on the trak box.
func parseTrak(r *Reader) (*TrackBox, error) {
	trk := &TrackBox{}

	r.Enter()
	for r.Next() {
		switch r.Type() {
		case TypeTkhd:
			id, dur, w, h, err := r.ReadTkhd()
			if err != nil {
				return nil, err
			}
			trk.ID = id
			trk.Duration = dur
			trk.TkhdWidth = w
			trk.TkhdHeight = h
		case TypeMdia:
			if err := parseMdia(r, trk); err != nil {
				return nil, err
			}
		}
	}
	r.Exit()
	if err := r.Err(); err != nil {
		return nil, err
	}

	if trk.ID == 0 {
		return nil, fmt.Errorf("%w: trak missing tkhd", ErrMalformedBox)
	}
	if trk.Timescale == 0 {
		return nil, fmt.Errorf("%w: track %d missing mdhd", ErrMalformedBox, trk.ID)
	}
	return trk, nil
}

func parseMdia(r *Reader, trk *TrackBox) error {
	r.Enter()
	for r.Next() {
		switch r.Type() {
		case TypeMdhd:
			ts, _, _, err := r.ReadMdhd()
			if err != nil {
				return err
			}
			trk.Timescale = ts
		case TypeHdlr:
			h, err := r.ReadHdlr()
			if err != nil {
				return err
			}
			trk.Handler = h
		case TypeMinf:
			r.Enter()
			for r.Next() {
				if r.Type() == TypeStbl {
					if err := parseStbl(r, trk); err != nil {
						return err
					}
				}
			}
			r.Exit()
		}
	}
	r.Exit()
	return r.Err()
}

func parseStbl(r *Reader, trk *TrackBox) error {
	r.Enter()
	for r.Next() {
		switch r.Type() {
		case TypeStsd:
			entry, err := parseStsd(r, trk.Handler)
			if err != nil {
				return err
			}
			trk.Entry = entry
		case TypeStts:
			trk.Tables.Stts = r.Data()
		case TypeStsz:
			trk.Tables.Stsz = r.Data()
		case TypeStsc:
			trk.Tables.Stsc = r.Data()
		case TypeStco:
			trk.Tables.Stco = r.Data()
		case TypeCo64:
			trk.Tables.Co64 = r.Data()
		case TypeStss:
			trk.Tables.Stss = r.Data()
		case TypeCtts:
			trk.Tables.Ctts = r.Data()
		}
	}
	r.Exit()
	return r.Err()
}

// parseStsd decodes the first sample description entry. Additional entries
// are rare in practice and ignored, matching the single-description fragment
// defaults.
func parseStsd(r *Reader, handler [4]byte) (*SampleEntryInfo, error) {
	r.Enter()
	r.Skip(4) // entry count
	if !r.Next() {
		r.Exit()
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: stsd has no entries", ErrMalformedBox)
	}

	entry := &SampleEntryInfo{Format: r.Type()}
	var err error
	switch {
	case handler == handlerVideo:
		err = parseVisualEntry(r, entry)
	case handler == handlerAudio:
		err = parseAudioEntry(r, entry)
	default:
		// Text entries need no decoded configuration; the format tag alone
		// identifies the codec. Other handlers are rejected per track by the
		// track builder.
	}
	r.Exit()
	if err != nil {
		return nil, err
	}
	if rerr := r.Err(); rerr != nil {
		return nil, rerr
	}

	// Encrypted entries resolve to their original format via frma.
	if entry.Format == TypeEncv || entry.Format == TypeEnca {
		if entry.Protection == nil {
			return nil, fmt.Errorf("%w: %s entry without sinf", ErrMalformedBox, entry.Format)
		}
	}
	return entry, nil
}

func parseVisualEntry(r *Reader, entry *SampleEntryInfo) error {
	visual, ok := ReadVisualSampleEntry(r.Data())
	if !ok {
		return fmt.Errorf("%w: %s entry too small", ErrMalformedBox, r.Type())
	}
	entry.Visual = &visual

	r.Enter()
	r.Skip(visual.ChildOffset)
	for r.Next() {
		switch r.Type() {
		case TypeAvcC:
			avc, err := ParseAVCConfig(r.Data())
			if err != nil {
				return err
			}
			entry.AVC = avc
		case TypeHvcC:
			hevc, err := ParseHEVCConfig(r.Data())
			if err != nil {
				return err
			}
			entry.HEVC = hevc
		case TypePasp:
			data := r.Data()
			if len(data) < 8 {
				return fmt.Errorf("%w: pasp box too small", ErrMalformedBox)
			}
			entry.PaspH = be.Uint32(data[0:4])
			entry.PaspV = be.Uint32(data[4:8])
		case TypeSinf:
			if err := parseSinf(r, entry); err != nil {
				return err
			}
		}
	}
	r.Exit()
	return r.Err()
}

func parseAudioEntry(r *Reader, entry *SampleEntryInfo) error {
	audio, ok := ReadAudioSampleEntry(r.Data())
	if !ok {
		return fmt.Errorf("%w: %s entry too small", ErrMalformedBox, r.Type())
	}
	entry.Audio = &audio

	r.Enter()
	r.Skip(audio.ChildOffset)
	for r.Next() {
		switch r.Type() {
		case TypeEsds:
			es, err := ParseESDescriptor(r.Data())
			if err != nil {
				return err
			}
			entry.ES = &es
		case TypeSinf:
			if err := parseSinf(r, entry); err != nil {
				return err
			}
		}
	}
	r.Exit()
	return r.Err()
}

// parseSinf decodes the protection scheme information chain: frma restores
// the original sample entry format, schm names the scheme, schi/tenc carries
// the track encryption defaults.
func parseSinf(r *Reader, entry *SampleEntryInfo) error {
	prot := &TrackProtection{}

	r.Enter()
	for r.Next() {
		switch r.Type() {
		case TypeFrma:
			data := r.Data()
			if len(data) < 4 {
				return fmt.Errorf("%w: frma box too small", ErrMalformedBox)
			}
			copy(entry.Format[:], data[0:4])
		case TypeSchm:
			data := r.Data()
			if len(data) < 8 {
				return fmt.Errorf("%w: schm box too small", ErrMalformedBox)
			}
			copy(prot.SchemeType[:], data[0:4])
		case TypeSchi:
			r.Enter()
			for r.Next() {
				if r.Type() == TypeTenc {
					if err := parseTenc(r, prot); err != nil {
						return err
					}
				}
			}
			r.Exit()
		}
	}
	r.Exit()
	if err := r.Err(); err != nil {
		return err
	}

	entry.Protection = prot
	return nil
}

// parseTenc decodes track encryption defaults: reserved(2) + isProtected(1) +
// perSampleIVSize(1) + KID(16).
func parseTenc(r *Reader, prot *TrackProtection) error {
	data := r.Data()
	if len(data) < 20 {
		return fmt.Errorf("%w: tenc box too small", ErrMalformedBox)
	}
	prot.IsProtected = data[2] != 0
	prot.PerSampleIVSize = data[3]
	kid, err := uuid.FromBytes(data[4:20])
	if err != nil {
		return fmt.Errorf("%w: tenc key id: %v", ErrMalformedBox, err)
	}
	prot.DefaultKeyID = kid
	return nil
}

// parsePssh decodes a protection system specific header. The reader is
// positioned on the pssh box.
func parsePssh(r *Reader) (PsshInfo, error) {
	data := r.Data()
	if len(data) < 20 {
		return PsshInfo{}, fmt.Errorf("%w: pssh box too small", ErrMalformedBox)
	}
	systemID, err := uuid.FromBytes(data[0:16])
	if err != nil {
		return PsshInfo{}, fmt.Errorf("%w: pssh system id: %v", ErrMalformedBox, err)
	}
	ptr := 16
	if r.Version() > 0 {
		kidCount := int(be.Uint32(data[ptr:]))
		ptr += 4 + kidCount*16
		if ptr+4 > len(data) {
			return PsshInfo{}, fmt.Errorf("%w: pssh key id list overflows box", ErrMalformedBox)
		}
	}
	size := int(be.Uint32(data[ptr:]))
	ptr += 4
	if ptr+size > len(data) {
		return PsshInfo{}, fmt.Errorf("%w: pssh data size overflows box", ErrMalformedBox)
	}
	return PsshInfo{
		SystemID: systemID,
		Data:     data[ptr : ptr+size],
		Raw:      r.RawBox(),
	}, nil
}
