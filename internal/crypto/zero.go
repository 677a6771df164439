package crypto

// zeroBytes overwrites b in place. Go has no Drop and no zeroize crate in
// this stack, so every type holding key material exposes its own Zero
// method built on this instead of relying on the GC to scrub it.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func zeroArray32(b *[32]byte) {
	if b == nil {
		return
	}
	for i := range b {
		b[i] = 0
	}
}
