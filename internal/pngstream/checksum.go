package pngstream

const (
	crcPoly  = 0xEDB88320 // reflected CRC-32 (IEEE)
	adlerMod = 65521
	// adlerNMax is the largest n such that 255n(n+1)/2 + (n+1)(adlerMod-1)
	// fits in 32 bits, so the modulo can be deferred for that many bytes.
	adlerNMax = 5552
)

// updateCRC folds p into a finalized CRC-32 value, bit by bit.
// The running value starts at 0.
func updateCRC(crc uint32, p []byte) uint32 {
	crc = ^crc
	for _, b := range p {
		for j := 0; j < 8; j++ {
			bit := (crc ^ uint32(b>>j)) & 1
			crc = (crc >> 1) ^ (-bit & crcPoly)
		}
	}
	return ^crc
}

// updateAdler folds p into an Adler-32 value. The running value starts at 1.
func updateAdler(adler uint32, p []byte) uint32 {
	s1, s2 := adler&0xFFFF, adler>>16
	for len(p) > 0 {
		n := min(len(p), adlerNMax)
		for _, b := range p[:n] {
			s1 += uint32(b)
			s2 += s1
		}
		s1 %= adlerMod
		s2 %= adlerMod
		p = p[n:]
	}
	return s2<<16 | s1
}
