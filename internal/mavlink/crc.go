package mavlink

// crcInit is the X.25 (MCRF4XX) seed used by mavlink.
const crcInit uint16 = 0xFFFF

// accumulate folds data into crc one byte at a time.
func accumulate(crc uint16, data []byte) uint16 {
	for _, b := range data {
		tmp := b ^ byte(crc&0xFF)
		tmp ^= tmp << 4
		t := uint16(tmp)
		crc = (crc >> 8) ^ (t << 8) ^ (t << 3) ^ (t >> 4)
	}
	return crc
}

// Checksum computes the frame checksum over everything after the magic byte
// up to the CRC field, followed by the message's CRC_EXTRA seed.
func Checksum(f Frame, crcExtra byte) uint16 {
	crc := accumulate(crcInit, f.Raw[1:f.crcOffset])
	return accumulate(crc, []byte{crcExtra})
}
