package session

import "gend/pkg/types"

// Closed option sets for quantization profiles. Anything outside these is a
// config error, not a warning: an unknown tag silently falling back would
// load the model with the wrong memory footprint.
var (
	knownQuantTypes = map[string]bool{
		"nf4":  true,
		"fp4":  true,
		"int8": true,
	}
	knownComputeDTypes = map[string]bool{
		"bfloat16": true,
		"float16":  true,
		"float32":  true,
	}
)

const defaultComputeDType = "bfloat16"

// normalizeProfile validates a quantization profile and fills defaults.
// The returned profile is what gets pinned to the session.
func normalizeProfile(p types.QuantProfile) (types.QuantProfile, error) {
	if p.Bits != 4 && p.Bits != 8 {
		return p, errConfig("unsupported bit width %d (want 4 or 8)", p.Bits)
	}
	if p.QuantType == "" {
		if p.Bits == 4 {
			p.QuantType = "nf4"
		} else {
			p.QuantType = "int8"
		}
	}
	if !knownQuantTypes[p.QuantType] {
		return p, errConfig("unknown quant type %q", p.QuantType)
	}
	if p.ComputeDType == "" {
		p.ComputeDType = defaultComputeDType
	}
	if !knownComputeDTypes[p.ComputeDType] {
		return p, errConfig("unknown compute dtype %q", p.ComputeDType)
	}
	// 8-bit loading has no 4-bit scheme variant.
	if p.Bits == 8 && p.QuantType != "int8" {
		return p, errConfig("quant type %q requires 4-bit loading", p.QuantType)
	}
	return p, nil
}
