package aeternus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBloomNoFalseNegatives(t *testing.T) {
	bf := NewBloomFilter(1000, defaultBloomBitsPerKey)
	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("key_%04d", i)))
	}
	for i := 0; i < 1000; i++ {
		assert.True(t, bf.Contains([]byte(fmt.Sprintf("key_%04d", i))))
	}
}

func TestBloomFalsePositiveRate(t *testing.T) {
	bf := NewBloomFilter(1000, defaultBloomBitsPerKey)
	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("key_%04d", i)))
	}
	falsePositives := 0
	for i := 0; i < 10000; i++ {
		if bf.Contains([]byte(fmt.Sprintf("absent_%05d", i))) {
			falsePositives++
		}
	}
	// 10 bits/key should stay well under 5% in practice.
	assert.Less(t, falsePositives, 500)
}

func TestBloomMarshalRoundTrip(t *testing.T) {
	bf := NewBloomFilter(100, defaultBloomBitsPerKey)
	keys := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	for _, k := range keys {
		bf.Add(k)
	}

	restored, err := UnmarshalBloomFilter(bf.Marshal())
	require.NoError(t, err)
	for _, k := range keys {
		assert.True(t, restored.Contains(k))
	}
	assert.Equal(t, bf.size, restored.size)
	assert.Equal(t, bf.hash, restored.hash)
}

func TestBloomUnmarshalErrors(t *testing.T) {
	_, err := UnmarshalBloomFilter([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrUnexpectedEOF)

	// Valid length but nonsense parameters.
	bad := make([]byte, 16)
	_, err = UnmarshalBloomFilter(bad)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestBloomTinyFilter(t *testing.T) {
	bf := NewBloomFilter(0, 0)
	bf.Add([]byte("only"))
	assert.True(t, bf.Contains([]byte("only")))
}
