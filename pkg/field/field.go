package field

import "math/big"

// Pack splits data into n big-endian words of size bytes each. The last word
// is right-padded with zeros and words past the end of data are zero, so a
// 124-byte email packs into four 31-byte words exactly like its hex string
// cut into 62-character slices.
func Pack(data []byte, n, size int) []*big.Int {
	words := make([]*big.Int, n)
	word := make([]byte, size)
	for i := range words {
		clear(word)
		if lo := i * size; lo < len(data) {
			copy(word, data[lo:min(lo+size, len(data))])
		}
		words[i] = new(big.Int).SetBytes(word)
	}
	return words
}
