package delta

// The test-only encoders below produce valid deltas for the corresponding
// decoder to consume. Server-side delta encoding is out of scope for the
// library itself (see spec non-goals); these exist solely to build fixtures.

import "fmt"

// encodeFossilCopyDelta builds a minimal single-command fossil delta that
// copies an arbitrary byte range of base, used to test well-formed inputs.
func encodeFossilCopyDelta(base []byte, offset, length int) []byte {
	target := base[offset : offset+length]
	out := fmt.Sprintf("%s\n%s@%s,%s;",
		writeFossilInt(len(target)),
		writeFossilInt(length),
		writeFossilInt(offset),
		writeFossilInt(int(fossilChecksum(target))),
	)
	return []byte(out)
}

// encodeFossilInsertDelta builds a delta that is pure literal insert (no
// source bytes referenced), used when there is no usable base.
func encodeFossilInsertDelta(target []byte) []byte {
	out := fmt.Sprintf("%s\n%s:", writeFossilInt(len(target)), writeFossilInt(len(target)))
	b := append([]byte(out), target...)
	b = append(b, []byte(fmt.Sprintf("%s;", writeFossilInt(int(fossilChecksum(target)))))...)
	return b
}

func writeFossilInt(v int) string {
	if v == 0 {
		return string(fossilAlphabet[0])
	}
	var digits []byte
	for v > 0 {
		digits = append([]byte{fossilAlphabet[v%64]}, digits...)
		v /= 64
	}
	return string(digits)
}

// vcWriter assembles a minimal single-window VCDIFF delta referencing the
// external base via VCD_SOURCE, with an uncompressed instruction body.
type vcWriter struct {
	buf []byte
}

func (w *vcWriter) byte(b byte) { w.buf = append(w.buf, b) }

func (w *vcWriter) bytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *vcWriter) varint(v int) {
	if v == 0 {
		w.buf = append(w.buf, 0)
		return
	}
	var groups []byte
	for v > 0 {
		groups = append([]byte{byte(v & 0x7F)}, groups...)
		v >>= 7
	}
	for i, g := range groups {
		if i != len(groups)-1 {
			g |= 0x80
		}
		w.buf = append(w.buf, g)
	}
}

// buildVCDiffSourceCopy builds a delta that reconstructs target by copying
// the whole of base (assumed identical to target) via a single COPY
// instruction against the external source.
func buildVCDiffSourceCopy(base []byte) []byte {
	w := &vcWriter{}
	w.bytes(vcdiffMagic[:])
	w.byte(vcdiffVersion)
	w.byte(0x00) // hdr_indicator: no secondary compressor, no custom table

	// window
	w.byte(winSource)
	w.varint(len(base)) // source segment length
	w.varint(0)         // source segment position

	body := &vcWriter{}
	body.byte(instCopy)
	body.varint(len(base))
	body.varint(0) // address into U (source starts at 0)

	w.varint(len(body.buf)) // delta encoding length (unused by decoder, but framed)
	w.varint(len(base))     // target window length
	w.byte(0x00)            // delta_indicator: uncompressed
	w.varint(len(body.buf))
	w.bytes(body.buf)

	return w.buf
}

// buildVCDiffAddOnly builds a delta with no source segment that reconstructs
// target purely via a single ADD instruction.
func buildVCDiffAddOnly(target []byte) []byte {
	w := &vcWriter{}
	w.bytes(vcdiffMagic[:])
	w.byte(vcdiffVersion)
	w.byte(0x00)

	w.byte(0x00) // win_indicator: no source segment

	body := &vcWriter{}
	body.byte(instAdd)
	body.varint(len(target))
	body.bytes(target)

	w.varint(len(body.buf))
	w.varint(len(target))
	w.byte(0x00)
	w.varint(len(body.buf))
	w.bytes(body.buf)

	return w.buf
}
