package crypto

// MaskFieldOrder is the prime order of the field masks and masked models live
// in: the Mersenne prime 2^61 - 1. Sums of two reduced elements never
// overflow a uint64.
const MaskFieldOrder uint64 = 1<<61 - 1

// IsFieldElement reports whether v is a reduced field element.
func IsFieldElement(v uint64) bool {
	return v < MaskFieldOrder
}

// FieldAdd returns (a + b) mod MaskFieldOrder for reduced a and b.
func FieldAdd(a, b uint64) uint64 {
	s := a + b
	if s >= MaskFieldOrder {
		s -= MaskFieldOrder
	}
	return s
}

// FieldSub returns (a - b) mod MaskFieldOrder for reduced a and b.
func FieldSub(a, b uint64) uint64 {
	if a >= b {
		return a - b
	}
	return a + MaskFieldOrder - b
}

// FieldAddInplace performs l[i] = (l[i] + r[i]) mod MaskFieldOrder.
// Both slices must have the same length.
func FieldAddInplace(l, r []uint64) {
	for i := range l {
		l[i] = FieldAdd(l[i], r[i])
	}
}

// FieldSubInplace performs l[i] = (l[i] - r[i]) mod MaskFieldOrder.
// Both slices must have the same length.
func FieldSubInplace(l, r []uint64) {
	for i := range l {
		l[i] = FieldSub(l[i], r[i])
	}
}
