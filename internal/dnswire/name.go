package dnswire

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const pointerMask = 0x3FFF

// ReadName decodes a possibly compressed domain name starting at off and
// returns it without the trailing dot, plus the offset just past the name as
// it is stored at off.
func ReadName(buf []byte, off int) (string, int, error) {
	labels, next, err := readLabels(buf, off)
	if err != nil {
		return "", 0, err
	}
	return strings.Join(labels, "."), next, nil
}

// readLabels follows compression pointers. Every pointer has to land strictly
// before the start of the label run it terminates, so the walk always moves
// towards the header and ends on crafted input.
func readLabels(buf []byte, off int) ([]string, int, error) {
	var labels []string
	next := -1
	start := off

	for {
		if off >= len(buf) {
			return nil, 0, fmt.Errorf("%w: name runs past end of message at %d", ErrMalformed, off)
		}

		l := int(buf[off])
		switch {
		case l == 0:
			off++
			if next < 0 {
				next = off
			}
			return labels, next, nil
		case l < 64:
			off++
			if off+l > len(buf) {
				return nil, 0, fmt.Errorf("%w: label runs past end of message at %d", ErrMalformed, off)
			}
			labels = append(labels, string(buf[off:off+l]))
			off += l
		default:
			if off+2 > len(buf) {
				return nil, 0, fmt.Errorf("%w: truncated pointer at %d", ErrMalformed, off)
			}
			ptr := int(binary.BigEndian.Uint16(buf[off:]) & pointerMask)
			if ptr >= start {
				return nil, 0, fmt.Errorf("%w: pointer at %d does not point backwards (%d)", ErrMalformed, off, ptr)
			}
			if next < 0 {
				next = off + 2
			}
			off, start = ptr, ptr
		}
	}
}
