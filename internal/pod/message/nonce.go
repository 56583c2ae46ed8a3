package message

// Nonce returns the n-th nonce of the sequence identified by seed. Host and
// pod advance n independently; a mismatch is answered with ErrorBadNonce and
// a resync key.
func Nonce(seed uint32, n uint32) uint32 {
	z := seed + (n+1)*0x9e3779b9
	z = (z ^ z>>16) * 0x85ebca6b
	z = (z ^ z>>13) * 0xc2b2ae35
	return z ^ z>>16
}

// NonceSeed derives the seed both sides use after a resync.
func NonceSeed(lot, tid uint32, resyncKey uint16) uint32 {
	return lot*0x10001 ^ tid ^ uint32(resyncKey)<<8
}
