package proactor

const jumpMultiplier = uint64(2862933555777941757)

// JumpHash is the Lamping & Veach jump consistent hash over buckets slots.
// Growing the bucket count by one moves only 1/buckets of the keys. Fewer
// than two buckets always map to 0.
func JumpHash(key uint64, buckets int) int {
	if buckets <= 1 {
		return 0
	}
	var previous int64 = -1
	var next int64
	for next < int64(buckets) {
		previous = next
		key = key*jumpMultiplier + 1
		next = int64(float64(previous+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(previous)
}
