package util

// JumpHash implements the jump consistent hash algorithm (Lamport & Veach,
// "A Fast, Minimal Memory, Consistent Hash Algorithm"). It maps key onto one
// of numBuckets buckets such that changing numBuckets remaps only ~1/n keys,
// which is what lets shard counts change without any stored mapping.
func JumpHash(key uint64, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}

	var b int64 = -1
	var j int64

	for j < int64(numBuckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}

	return int(b)
}
