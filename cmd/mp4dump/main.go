// Command mp4dump reads an MP4 file and prints its box structure.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/hubugui/mp4"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <file.mp4>\n", os.Args[0])
		os.Exit(1)
	}

	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading file: %v\n", err)
		os.Exit(1)
	}

	r := mp4.NewReader(data)
	dump(&r, 0)
	if err := r.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func dump(r *mp4.Reader, depth int) {
	for r.Next() {
		indent := strings.Repeat("  ", depth)
		vf := ""
		if mp4.IsFullBox(r.Type()) {
			vf = fmt.Sprintf(" v=%d flags=0x%06x", r.Version(), r.Flags())
		}
		fmt.Printf("%s[%s] size=%d%s\n", indent, r.Type(), r.Size(), vf)

		switch {
		case mp4.IsContainerBox(r.Type()):
			r.Enter()
			dump(r, depth+1)
			r.Exit()
		case r.Type() == mp4.TypeStsd:
			r.Enter()
			r.Skip(4) // entry count
			dump(r, depth+1)
			r.Exit()
		case r.Type() == mp4.TypeAvc1 || r.Type() == mp4.TypeAvc3 ||
			r.Type() == mp4.TypeEncv || r.Type() == mp4.TypeHvc1 || r.Type() == mp4.TypeHev1:
			r.Enter()
			r.Skip(78) // visual sample entry header
			dump(r, depth+1)
			r.Exit()
		case r.Type() == mp4.TypeMp4a || r.Type() == mp4.TypeEnca:
			r.Enter()
			r.Skip(28) // audio sample entry header
			dump(r, depth+1)
			r.Exit()
		}
	}
}
