package console

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Framing selects how multiplexed attach streams are decoded.
type Framing int

const (
	// FramingDemux parses every stdio frame header, including headers and
	// payloads split across reads and several frames in one read.
	FramingDemux Framing = iota
	// FramingLegacy drops the first 8 bytes of every read and treats the rest
	// as one frame. It corrupts output when reads and frames do not line up.
	FramingLegacy
)

const (
	frameHeaderLen = 8
	maxFrameLen    = 16 << 20
)

func ParseFraming(s string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "demux":
		return FramingDemux, nil
	case "legacy":
		return FramingLegacy, nil
	default:
		return 0, fmt.Errorf("unknown framing %q (want demux or legacy)", s)
	}
}

func (f Framing) String() string {
	if f == FramingLegacy {
		return "legacy"
	}
	return "demux"
}

type frameDecoder struct {
	mode        Framing
	multiplexed bool
	pending     []byte
	// carry holds an incomplete trailing UTF-8 sequence per stream.
	carry [3][]byte
}

func newFrameDecoder(mode Framing, multiplexed bool) *frameDecoder {
	return &frameDecoder{mode: mode, multiplexed: multiplexed}
}

// decode consumes one read chunk and returns the text of every frame it
// completes, in stream order.
func (d *frameDecoder) decode(chunk []byte) ([]string, error) {
	if !d.multiplexed {
		return d.text(0, chunk), nil
	}
	if d.mode == FramingLegacy {
		if len(chunk) <= frameHeaderLen {
			return nil, nil
		}
		return d.text(chunk[0], chunk[frameHeaderLen:]), nil
	}

	d.pending = append(d.pending, chunk...)
	var out []string
	for len(d.pending) >= frameHeaderLen {
		size := binary.BigEndian.Uint32(d.pending[4:frameHeaderLen])
		if size > maxFrameLen {
			d.pending = nil
			return out, fmt.Errorf("frame length %d exceeds %d, stream out of sync", size, maxFrameLen)
		}
		end := frameHeaderLen + int(size)
		if len(d.pending) < end {
			break
		}
		out = append(out, d.text(d.pending[0], d.pending[frameHeaderLen:end])...)
		d.pending = d.pending[end:]
	}
	if len(d.pending) == 0 {
		d.pending = nil
	} else {
		d.pending = append([]byte(nil), d.pending...)
	}
	return out, nil
}

func (d *frameDecoder) text(stream byte, payload []byte) []string {
	idx := int(stream)
	if idx >= len(d.carry) {
		idx = 1
	}
	buf := append(d.carry[idx], payload...)
	cut := incompleteSuffix(buf)
	d.carry[idx] = append([]byte(nil), buf[len(buf)-cut:]...)
	buf = buf[:len(buf)-cut]
	if len(buf) == 0 {
		return nil
	}
	return []string{string(buf)}
}

// incompleteSuffix returns how many trailing bytes of b form the start of a
// UTF-8 sequence that has not been completed yet.
func incompleteSuffix(b []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		if !utf8.RuneStart(b[len(b)-i]) {
			continue
		}
		if utf8.FullRune(b[len(b)-i:]) {
			return 0
		}
		return i
	}
	return 0
}
