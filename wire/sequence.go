package wire

// NextSeq returns the sequence number following s, wrapping 255 to 0.
func NextSeq(s uint8) uint8 {
	return s + 1
}

// SeqDistance returns the shortest wrapped distance between two sequence
// numbers. It is symmetric and never exceeds 128.
func SeqDistance(a, b uint8) uint8 {
	d := a - b
	if d > 128 {
		d = -d
	}
	return d
}

// SeqWithin reports whether a and b are at most tolerance apart.
func SeqWithin(a, b, tolerance uint8) bool {
	return SeqDistance(a, b) <= tolerance
}
