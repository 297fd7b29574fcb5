package delta

import (
	"bytes"
	"testing"
)

func TestDecodeFossilCopy(t *testing.T) {
	t.Parallel()

	base := []byte(`{"s":1,"p":100,"extra":"padding to copy from"}`)
	delta := encodeFossilCopyDelta(base, 0, len(base))

	got, err := DecodeFossil(base, delta)
	if err != nil {
		t.Fatalf("DecodeFossil: %v", err)
	}
	if !bytes.Equal(got, base) {
		t.Fatalf("got %q, want %q", got, base)
	}
}

func TestDecodeFossilPartialCopy(t *testing.T) {
	t.Parallel()

	base := []byte(`{"s":1,"p":100}`)
	delta := encodeFossilCopyDelta(base, 1, 5)

	got, err := DecodeFossil(base, delta)
	if err != nil {
		t.Fatalf("DecodeFossil: %v", err)
	}
	if !bytes.Equal(got, base[1:6]) {
		t.Fatalf("got %q, want %q", got, base[1:6])
	}
}

func TestDecodeFossilInsertOnly(t *testing.T) {
	t.Parallel()

	target := []byte(`{"s":2,"p":101}`)
	delta := encodeFossilInsertDelta(target)

	got, err := DecodeFossil(nil, delta)
	if err != nil {
		t.Fatalf("DecodeFossil: %v", err)
	}
	if !bytes.Equal(got, target) {
		t.Fatalf("got %q, want %q", got, target)
	}
}

func TestDecodeFossilBadChecksum(t *testing.T) {
	t.Parallel()

	base := []byte(`{"s":1}`)
	delta := encodeFossilCopyDelta(base, 0, len(base))
	// corrupt the checksum digit just before the terminating ';'.
	corrupted := append([]byte(nil), delta...)
	corrupted[len(corrupted)-2] = fossilAlphabet[(fossilDigitValue[corrupted[len(corrupted)-2]]+1)%64]

	if _, err := DecodeFossil(base, corrupted); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestDecodeFossilCopyOutOfBounds(t *testing.T) {
	t.Parallel()

	base := []byte(`{"s":1}`)
	// Valid header, but the copy command reaches far beyond the base.
	bad := []byte("9\n9@0,0;")
	if _, err := DecodeFossil(base, bad); err == nil {
		t.Fatal("expected out-of-bounds copy error")
	}
}

func TestDecodeFossilUnknownCommand(t *testing.T) {
	t.Parallel()

	if _, err := DecodeFossil(nil, []byte("0\n0#;")); err == nil {
		t.Fatal("expected unknown command error")
	}
}
