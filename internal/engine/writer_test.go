package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkPayload(t *testing.T) {
	tests := []struct {
		name     string
		payload  int
		mtu      int
		overhead int
		want     []int // expected chunk lengths
	}{
		{name: "fits in one chunk", payload: 10, mtu: 23, overhead: 3, want: []int{10}},
		{name: "exact boundary", payload: 20, mtu: 23, overhead: 3, want: []int{20}},
		{name: "one byte over", payload: 21, mtu: 23, overhead: 3, want: []int{20, 1}},
		{name: "three chunks", payload: 50, mtu: 23, overhead: 3, want: []int{20, 20, 10}},
		{name: "large mtu", payload: 600, mtu: 517, overhead: 3, want: []int{514, 86}},
		{name: "mtu below floor clamps", payload: 30, mtu: 5, overhead: 3, want: []int{20, 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := make([]byte, tt.payload)
			for i := range payload {
				payload[i] = byte(i)
			}

			chunks := chunkPayload(payload, tt.mtu, tt.overhead)
			require.Len(t, chunks, len(tt.want))

			offset := 0
			for i, chunk := range chunks {
				assert.Len(t, chunk, tt.want[i], "chunk %d", i)
				assert.Equal(t, payload[offset:offset+len(chunk)], chunk, "chunk %d content", i)
				offset += len(chunk)
			}
			assert.Equal(t, tt.payload, offset, "chunks cover the payload exactly")
		})
	}
}

func TestChunkPayload_EmptyPayload(t *testing.T) {
	chunks := chunkPayload(nil, 247, 3)
	require.Len(t, chunks, 1)
	assert.Empty(t, chunks[0])
}
