package mp4

import (
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// TrackKind classifies a track's media.
type TrackKind int

const (
	KindVideo TrackKind = iota
	KindAudio
	KindText
)

func (k TrackKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindText:
		return "text"
	}
	return "unknown"
}

// Track is the codec-agnostic stream descriptor handed to the stream-info
// callback. It is built once when the init segment parses and is immutable
// afterwards.
type Track struct {
	ID        uint32
	Kind      TrackKind
	Codec     string
	Timescale uint32
	Duration  uint64 // in movie timescale

	// Video only.
	Width       uint16
	Height      uint16
	PixelWidth  uint32 // sample aspect ratio numerator
	PixelHeight uint32 // sample aspect ratio denominator

	// Audio only.
	ChannelCount uint16
	SampleSize   uint16
	SampleRate   uint32

	// CodecConfig is the codec initialization payload (AudioSpecificConfig
	// for AAC); nil when the codec carries none.
	CodecConfig []byte

	// Protection is non-nil when the track content is protected under CENC.
	Protection *ProtectionInfo
}

// ProtectionInfo describes how a protected track's samples are encrypted.
type ProtectionInfo struct {
	SchemeType      string
	DefaultKeyID    uuid.UUID
	PerSampleIVSize uint8
	SystemIDs       []uuid.UUID
	// InitData is the concatenation of the container's pssh boxes, suitable
	// for handing to a license/key subsystem.
	InitData []byte
}

// BuildTracks converts a decoded movie into stream descriptors. A sample
// description the builder cannot decode fails that track only; the remaining
// tracks are still returned. An error is returned only when no track is usable.
func BuildTracks(m *Movie) ([]*Track, error) {
	var initData []byte
	var systemIDs []uuid.UUID
	for _, pssh := range m.Pssh {
		initData = append(initData, pssh.Raw...)
		systemIDs = append(systemIDs, pssh.SystemID)
	}

	tracks := make([]*Track, 0, len(m.Tracks))
	for _, trk := range m.Tracks {
		t, err := buildTrack(trk)
		if err != nil {
			log.WithFields(log.Fields{
				"track":   trk.ID,
				"handler": string(trk.Handler[:]),
			}).Warnf("skipping track: %v", err)
			continue
		}
		if prot := trk.Entry.Protection; prot != nil && prot.IsProtected {
			t.Protection = &ProtectionInfo{
				SchemeType:      prot.SchemeType.String(),
				DefaultKeyID:    prot.DefaultKeyID,
				PerSampleIVSize: prot.PerSampleIVSize,
				SystemIDs:       systemIDs,
				InitData:        initData,
			}
		}
		tracks = append(tracks, t)
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no usable tracks", ErrUnsupportedConfig)
	}
	return tracks, nil
}

func buildTrack(trk *TrackBox) (*Track, error) {
	if trk.Entry == nil {
		return nil, fmt.Errorf("%w: missing sample description", ErrUnsupportedConfig)
	}
	switch {
	case trk.Handler == handlerVideo:
		return buildVideoTrack(trk)
	case trk.Handler == handlerAudio:
		return buildAudioTrack(trk)
	case trk.Handler == handlerText:
		return buildTextTrack(trk)
	}
	return nil, fmt.Errorf("%w: handler %q", ErrUnsupportedConfig, string(trk.Handler[:]))
}

// buildTextTrack covers timed-text tracks (tx3g, wvtt). The sample entry
// format doubles as the codec identity; there is no configuration to decode.
func buildTextTrack(trk *TrackBox) (*Track, error) {
	return &Track{
		ID:        trk.ID,
		Kind:      KindText,
		Codec:     trk.Entry.Format.String(),
		Timescale: trk.Timescale,
		Duration:  trk.Duration,
	}, nil
}

func buildVideoTrack(trk *TrackBox) (*Track, error) {
	entry := trk.Entry
	if entry.Visual == nil {
		return nil, fmt.Errorf("%w: video track without visual sample entry", ErrUnsupportedConfig)
	}

	t := &Track{
		ID:        trk.ID,
		Kind:      KindVideo,
		Timescale: trk.Timescale,
		Duration:  trk.Duration,
		Width:     entry.Visual.Width,
		Height:    entry.Visual.Height,
	}

	switch {
	case entry.AVC != nil:
		t.Codec = entry.AVC.CodecString()
	case entry.HEVC != nil:
		t.Codec = entry.HEVC.CodecString(entry.Format)
	default:
		return nil, fmt.Errorf("%w: video format %s", ErrUnsupportedConfig, entry.Format)
	}

	t.PixelWidth, t.PixelHeight = resolvePixelAspect(entry)
	return t, nil
}

// resolvePixelAspect derives the sample aspect ratio with a fixed precedence:
// a pasp box wins; otherwise the codec configuration's embedded SAR is used
// when both values are non-zero; otherwise 1:1. Encoders really do emit SPS
// with sar 0:0, so the zero fallback is normal input, not an error.
func resolvePixelAspect(entry *SampleEntryInfo) (uint32, uint32) {
	if entry.PaspH != 0 && entry.PaspV != 0 {
		return entry.PaspH, entry.PaspV
	}
	if entry.AVC != nil {
		w, h, err := entry.AVC.SampleAspect()
		if err != nil {
			log.Debugf("SPS aspect ratio unavailable: %v", err)
		} else if w != 0 && h != 0 {
			return w, h
		}
	}
	return 1, 1
}

func buildAudioTrack(trk *TrackBox) (*Track, error) {
	entry := trk.Entry
	if entry.Audio == nil {
		return nil, fmt.Errorf("%w: audio track without audio sample entry", ErrUnsupportedConfig)
	}
	if entry.ES == nil {
		return nil, fmt.Errorf("%w: audio format %s without esds", ErrUnsupportedConfig, entry.Format)
	}
	switch entry.ES.ObjectType {
	case OTIMPEG4AAC, OTIMPEG2AAC:
	default:
		return nil, fmt.Errorf("%w: audio object type 0x%02x", ErrUnsupportedConfig, entry.ES.ObjectType)
	}

	return &Track{
		ID:           trk.ID,
		Kind:         KindAudio,
		Codec:        entry.ES.CodecString(),
		Timescale:    trk.Timescale,
		Duration:     trk.Duration,
		ChannelCount: entry.Audio.ChannelCount,
		SampleSize:   entry.Audio.SampleSize,
		SampleRate:   entry.Audio.SampleRate >> 16,
		CodecConfig:  entry.ES.DecoderConfig,
	}, nil
}
