package framing

// FCS-16 constants (RFC 1662 appendix C)
const (
	FCSInit = 0xFFFF // initial FCS value
	FCSGood = 0xF0B8 // residue of a frame that includes its own FCS
)

var fcsTable = buildFCSTable()

func buildFCSTable() [256]uint16 {
	var t [256]uint16
	for b := 0; b < 256; b++ {
		v := uint16(b)
		for i := 0; i < 8; i++ {
			if v&1 != 0 {
				v = v>>1 ^ 0x8408
			} else {
				v >>= 1
			}
		}
		t[b] = v
	}
	return t
}

// FCS16 folds data into fcs.
func FCS16(fcs uint16, data []byte) uint16 {
	for _, c := range data {
		fcs = fcs>>8 ^ fcsTable[(fcs^uint16(c))&0xFF]
	}
	return fcs
}

// AppendFCS appends the complemented FCS of frame, least significant byte first.
func AppendFCS(frame []byte) []byte {
	fcs := ^FCS16(FCSInit, frame)
	return append(frame, byte(fcs), byte(fcs>>8))
}

// CheckFCS reports whether frame, including its trailing FCS, is intact.
func CheckFCS(frame []byte) bool {
	return len(frame) >= 2 && FCS16(FCSInit, frame) == FCSGood
}
