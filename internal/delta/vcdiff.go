package delta

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

// VCDIFF magic bytes per RFC 3284 §4.1, followed by a version byte.
var vcdiffMagic = [3]byte{0xD6, 0xC3, 0xC4}

const vcdiffVersion = 0x00

// Header indicator bits.
const (
	hdrDecompress = 0x01 // a secondary compressor id follows
	hdrCodeTable  = 0x02 // a custom code table follows (unsupported)
)

// Window indicator bits: which source segment, if any, COPY instructions in
// this window may address.
const (
	winSource = 0x01 // source segment comes from the external base
	winTarget = 0x02 // source segment comes from already-decoded output
)

// deltaIndicator bit: the window body is secondary-compressed.
const deltaCompressed = 0x01

// Secondary compressor ids.
const (
	secondaryNone = 0x00
	secondaryLZMA = 0x01
)

// Instruction opcodes within a decompressed window body.
const (
	instAdd  = 0
	instCopy = 1
	instRun  = 2
)

// DecodeVCDiff reconstructs the target bytes from base using a VCDIFF-framed
// delta. The file and window headers follow RFC 3284 (magic, version, header
// indicator, source segment, target length, delta indicator), but each
// window body is one stream of explicit instructions: an opcode byte
// (instAdd, instCopy, instRun), a varint size, then the literal bytes, the
// COPY address or the RUN byte. The RFC's separate data, instruction and
// address sections, its default code table and its address cache are not
// implemented, so deltas from standard VCDIFF/xdelta3 encoders are not
// decoded. Instructions address a combined buffer U formed, per window,
// by the window's source segment followed by the target bytes decoded so
// far; this lets windows reference either the external base (VCD_SOURCE) or
// previously reconstructed output within the same delta (VCD_TARGET).
func DecodeVCDiff(base, delta []byte) ([]byte, error) {
	r := &byteReader{data: delta}

	var magic [3]byte
	if !r.readFull(magic[:]) || magic != vcdiffMagic {
		return nil, fmt.Errorf("%w: vcdiff: bad magic", ErrDeltaDecode)
	}
	version, ok := r.readByte()
	if !ok || version != vcdiffVersion {
		return nil, fmt.Errorf("%w: vcdiff: unsupported version %d", ErrDeltaDecode, version)
	}

	hdrIndicator, ok := r.readByte()
	if !ok {
		return nil, fmt.Errorf("%w: vcdiff: truncated header", ErrDeltaDecode)
	}
	if hdrIndicator&hdrCodeTable != 0 {
		return nil, fmt.Errorf("%w: vcdiff: custom code tables are not supported", ErrDeltaDecode)
	}

	secondaryID := byte(secondaryNone)
	if hdrIndicator&hdrDecompress != 0 {
		id, ok := r.readByte()
		if !ok {
			return nil, fmt.Errorf("%w: vcdiff: truncated secondary compressor id", ErrDeltaDecode)
		}
		secondaryID = id
	}

	var allOutput []byte

	for !r.atEOF() {
		target, err := decodeWindow(r, base, allOutput, secondaryID)
		if err != nil {
			return nil, err
		}
		allOutput = append(allOutput, target...)
	}

	return allOutput, nil
}

func decodeWindow(r *byteReader, base, priorTarget []byte, secondaryID byte) ([]byte, error) {
	winIndicator, ok := r.readByte()
	if !ok {
		return nil, fmt.Errorf("%w: vcdiff: truncated window indicator", ErrDeltaDecode)
	}

	var source []byte
	if winIndicator&(winSource|winTarget) != 0 {
		segLen, ok := r.readVarint()
		if !ok {
			return nil, fmt.Errorf("%w: vcdiff: truncated source length", ErrDeltaDecode)
		}
		segPos, ok := r.readVarint()
		if !ok {
			return nil, fmt.Errorf("%w: vcdiff: truncated source position", ErrDeltaDecode)
		}

		var from []byte
		if winIndicator&winSource != 0 {
			from = base
		} else {
			from = priorTarget
		}
		if segPos < 0 || segLen < 0 || segPos+segLen > len(from) {
			return nil, fmt.Errorf("%w: vcdiff: source segment out of bounds", ErrDeltaDecode)
		}
		source = from[segPos : segPos+segLen]
	}

	if _, ok := r.readVarint(); !ok { // delta encoding length; unused, framing only
		return nil, fmt.Errorf("%w: vcdiff: truncated delta length", ErrDeltaDecode)
	}
	targetLen, ok := r.readVarint()
	if !ok {
		return nil, fmt.Errorf("%w: vcdiff: truncated target length", ErrDeltaDecode)
	}
	deltaIndicator, ok := r.readByte()
	if !ok {
		return nil, fmt.Errorf("%w: vcdiff: truncated delta indicator", ErrDeltaDecode)
	}
	bodyLen, ok := r.readVarint()
	if !ok {
		return nil, fmt.Errorf("%w: vcdiff: truncated body length", ErrDeltaDecode)
	}

	body, ok := r.readBytes(bodyLen)
	if !ok {
		return nil, fmt.Errorf("%w: vcdiff: truncated window body", ErrDeltaDecode)
	}
	if deltaIndicator&deltaCompressed != 0 {
		decompressed, err := decompressSecondary(body, secondaryID)
		if err != nil {
			return nil, fmt.Errorf("%w: vcdiff: %v", ErrDeltaDecode, err)
		}
		body = decompressed
	}

	target, err := applyInstructions(body, source, targetLen)
	if err != nil {
		return nil, err
	}
	return target, nil
}

// applyInstructions decodes ADD/COPY/RUN instructions from body, addressing
// U = source ++ target-so-far, until exactly targetLen bytes are produced.
func applyInstructions(body, source []byte, targetLen int) ([]byte, error) {
	ir := &byteReader{data: body}
	out := make([]byte, 0, targetLen)

	for len(out) < targetLen {
		op, ok := ir.readByte()
		if !ok {
			return nil, fmt.Errorf("%w: vcdiff: truncated instruction stream", ErrDeltaDecode)
		}
		size, ok := ir.readVarint()
		if !ok {
			return nil, fmt.Errorf("%w: vcdiff: truncated instruction size", ErrDeltaDecode)
		}

		switch op {
		case instAdd:
			lit, ok := ir.readBytes(size)
			if !ok {
				return nil, fmt.Errorf("%w: vcdiff: truncated ADD literal", ErrDeltaDecode)
			}
			out = append(out, lit...)

		case instCopy:
			addr, ok := ir.readVarint()
			if !ok {
				return nil, fmt.Errorf("%w: vcdiff: truncated COPY address", ErrDeltaDecode)
			}
			uLen := len(source) + len(out)
			if addr < 0 || size < 0 || addr+size > uLen {
				return nil, fmt.Errorf("%w: vcdiff: COPY out of bounds", ErrDeltaDecode)
			}
			for i := 0; i < size; i++ {
				pos := addr + i
				var b byte
				if pos < len(source) {
					b = source[pos]
				} else {
					b = out[pos-len(source)]
				}
				out = append(out, b)
			}

		case instRun:
			lit, ok := ir.readBytes(1)
			if !ok {
				return nil, fmt.Errorf("%w: vcdiff: truncated RUN byte", ErrDeltaDecode)
			}
			for i := 0; i < size; i++ {
				out = append(out, lit[0])
			}

		default:
			return nil, fmt.Errorf("%w: vcdiff: unknown instruction opcode %d", ErrDeltaDecode, op)
		}
	}

	if len(out) != targetLen {
		return nil, fmt.Errorf("%w: vcdiff: window produced %d bytes, want %d", ErrDeltaDecode, len(out), targetLen)
	}
	return out, nil
}

func decompressSecondary(data []byte, id byte) ([]byte, error) {
	switch id {
	case secondaryNone:
		return data, nil
	case secondaryLZMA:
		r, err := lzma.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("lzma: %w", err)
		}
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unsupported secondary compressor id %d", id)
	}
}

// byteReader is a minimal cursor over a delta's raw bytes with VCDIFF's
// base-128 varint encoding (high bit set = more bytes follow, 7 data bits
// per byte, most significant group first).
type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) atEOF() bool { return r.pos >= len(r.data) }

func (r *byteReader) readByte() (byte, bool) {
	if r.pos >= len(r.data) {
		return 0, false
	}
	b := r.data[r.pos]
	r.pos++
	return b, true
}

func (r *byteReader) readFull(buf []byte) bool {
	if r.pos+len(buf) > len(r.data) {
		return false
	}
	copy(buf, r.data[r.pos:r.pos+len(buf)])
	r.pos += len(buf)
	return true
}

func (r *byteReader) readBytes(n int) ([]byte, bool) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, false
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, true
}

func (r *byteReader) readVarint() (int, bool) {
	value := 0
	for {
		b, ok := r.readByte()
		if !ok {
			return 0, false
		}
		value = value<<7 | int(b&0x7F)
		if b&0x80 == 0 {
			return value, true
		}
	}
}
