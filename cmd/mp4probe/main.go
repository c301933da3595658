// Command mp4probe demuxes an MP4 file and reports its streams and samples.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/hubugui/mp4"
	log "github.com/sirupsen/logrus"
)

const chunkSize = 64 * 1024

type trackStats struct {
	samples   int
	keyframes int
	encrypted int
	bytes     uint64
	lastDTS   uint64
	duration  uint64
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <file.mp4>\n", os.Args[0])
		os.Exit(1)
	}

	f, err := os.Open(os.Args[1])
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer f.Close()

	stats := make(map[uint32]*trackStats)
	var tracks []*mp4.Track

	d := mp4.NewDemuxer()
	d.Init(
		func(ts []*mp4.Track) {
			tracks = ts
			for _, t := range ts {
				stats[t.ID] = &trackStats{}
			}
		},
		func(trackID uint32, s *mp4.Sample) bool {
			st := stats[trackID]
			st.samples++
			st.bytes += uint64(len(s.Data))
			if s.Sync {
				st.keyframes++
			}
			if s.Encrypted {
				st.encrypted++
			}
			st.lastDTS = s.DTS
			st.duration = s.DTS + uint64(s.Duration)
			return true
		},
		nil,
	)

	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if perr := d.Parse(buf[:n]); perr != nil {
				log.Fatalf("parse: %v", perr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("read: %v", err)
		}
	}

	if tracks == nil {
		log.Fatal("no init segment found")
	}
	for _, t := range tracks {
		st := stats[t.ID]
		fmt.Printf("Track %d: %s %s\n", t.ID, t.Kind, t.Codec)
		fmt.Printf("  Timescale: %d\n", t.Timescale)
		if t.Kind == mp4.KindVideo {
			fmt.Printf("  Dimensions: %dx%d (pixel aspect %d:%d)\n",
				t.Width, t.Height, t.PixelWidth, t.PixelHeight)
		} else {
			fmt.Printf("  Audio: %d ch, %d Hz\n", t.ChannelCount, t.SampleRate)
		}
		if t.Protection != nil {
			fmt.Printf("  Protection: %s key-id=%s\n", t.Protection.SchemeType, t.Protection.DefaultKeyID)
		}
		fmt.Printf("  Samples: %d (%d keyframes, %d still encrypted, %d bytes)\n",
			st.samples, st.keyframes, st.encrypted, st.bytes)
		if t.Timescale > 0 && st.samples > 0 {
			fmt.Printf("  Duration: %.2fs\n", float64(st.duration)/float64(t.Timescale))
		}
		fmt.Println()
	}
}
