package cmux

// crcTable is the reflected CRC-8 table for polynomial x^8+x^2+x+1
// (0xE0 reversed), as given in 27.010 annex B.
var crcTable = func() (t [256]byte) {
	for i := range t {
		crc := byte(i)
		for range 8 {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xE0
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}()

// fcsGood is the remainder left after running the FCS over data plus a
// correct FCS byte.
const fcsGood = 0xCF

func crc(data []byte) byte {
	c := byte(0xFF)
	for _, b := range data {
		c = crcTable[c^b]
	}
	return c
}

func fcs(data []byte) byte {
	return 0xFF - crc(data)
}

func fcsValid(data []byte, received byte) bool {
	c := crc(data)
	return crcTable[c^received] == fcsGood
}
