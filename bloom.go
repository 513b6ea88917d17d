package aeternus

import (
	"encoding/binary"
	"fmt"

	"github.com/spaolacci/murmur3"
)

// defaultBloomBitsPerKey gives roughly a 1% false-positive rate with the
// hash count chosen below.
const defaultBloomBitsPerKey = 10

// BloomFilter is a fixed-size bloom filter over point keys. Double hashing
// derives all probe positions from one 128-bit murmur3 hash.
type BloomFilter struct {
	bits []uint64
	size uint64 // total bits
	hash uint64 // number of probes
}

// NewBloomFilter sizes a filter for the expected number of keys.
func NewBloomFilter(expectedItems int, bitsPerItem int) *BloomFilter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if bitsPerItem < 1 {
		bitsPerItem = defaultBloomBitsPerKey
	}
	size := uint64(expectedItems * bitsPerItem)
	if size < 64 {
		size = 64
	}
	// k = ln(2) * bits/key, clamped to a sane band.
	k := uint64(float64(bitsPerItem) * 0.69)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return &BloomFilter{
		bits: make([]uint64, (size+63)/64),
		size: size,
		hash: k,
	}
}

// Add records key in the filter.
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := murmur3.Sum128(key)
	for i := uint64(0); i < bf.hash; i++ {
		bit := (h1 + i*h2) % bf.size
		bf.bits[bit/64] |= 1 << (bit % 64)
	}
}

// Contains reports whether key may be present. False means definitely absent.
func (bf *BloomFilter) Contains(key []byte) bool {
	if bf.size == 0 {
		return false
	}
	h1, h2 := murmur3.Sum128(key)
	for i := uint64(0); i < bf.hash; i++ {
		bit := (h1 + i*h2) % bf.size
		if bf.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Marshal serializes the filter as size, hash count, then the bit words.
func (bf *BloomFilter) Marshal() []byte {
	buf := make([]byte, 16+len(bf.bits)*8)
	binary.LittleEndian.PutUint64(buf[0:8], bf.size)
	binary.LittleEndian.PutUint64(buf[8:16], bf.hash)
	for i, word := range bf.bits {
		binary.LittleEndian.PutUint64(buf[16+i*8:16+(i+1)*8], word)
	}
	return buf
}

// UnmarshalBloomFilter reconstructs a filter serialized by Marshal.
func UnmarshalBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("bloom: %d bytes: %w", len(data), ErrUnexpectedEOF)
	}
	size := binary.LittleEndian.Uint64(data[0:8])
	hash := binary.LittleEndian.Uint64(data[8:16])
	words := int((size + 63) / 64)
	if size == 0 || hash == 0 || hash > 64 {
		return nil, fmt.Errorf("bloom: size %d hash %d: %w", size, hash, ErrDecode)
	}
	if len(data) < 16+words*8 {
		return nil, fmt.Errorf("bloom: want %d words: %w", words, ErrUnexpectedEOF)
	}
	bits := make([]uint64, words)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(data[16+i*8 : 16+(i+1)*8])
	}
	return &BloomFilter{bits: bits, size: size, hash: hash}, nil
}
