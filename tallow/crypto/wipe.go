package crypto

// Wipe overwrites b with zeros. Secret-bearing buffers are wiped as soon as
// they are retired; garbage collection alone is not trusted to bound the
// lifetime of key material.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Wipe32 overwrites a fixed-size key array with zeros.
func Wipe32(b *[32]byte) {
	for i := range b {
		b[i] = 0
	}
}
