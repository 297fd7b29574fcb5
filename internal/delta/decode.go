package delta

import "fmt"

// DefaultAlgorithm is used when a delta message carries no algorithm field.
const DefaultAlgorithm = "fossil"

// Decode dispatches to the decoder named by algorithm, reconstructing
// target bytes from base and delta. An unknown algorithm name yields
// ErrUnknownAlgorithm rather than panicking.
func Decode(algorithm string, base, delta []byte) ([]byte, error) {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	switch algorithm {
	case "fossil":
		return DecodeFossil(base, delta)
	case "vcdiff", "xdelta3":
		return DecodeVCDiff(base, delta)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
}
