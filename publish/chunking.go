package publish

// ChunkConfig bounds how large a single Kafka message may be before a
// payload must be split into chunks.
type ChunkConfig struct {
	// MaxMessageSize is the hard cap on one produced message, in bytes.
	MaxMessageSize int
	// MetadataReserve is subtracted from MaxMessageSize to leave room for
	// the envelope fields accompanying each chunk's payload.
	MetadataReserve int
}

// DefaultChunkConfig mirrors the upstream store service's constants: a
// 1MB Kafka message cap with 2000 bytes reserved for metadata.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{MaxMessageSize: 1000 * 1000, MetadataReserve: 2000}
}

func (c ChunkConfig) maxPayloadSize() int {
	return c.MaxMessageSize - c.MetadataReserve
}

// chunkOffsets yields the (offset, size) pairs a payload must be split
// into under this config. An empty payload yields zero chunks.
func (c ChunkConfig) chunkOffsets(size int) [][2]int {
	var offsets [][2]int
	maxChunk := c.maxPayloadSize()
	for offset := 0; offset < size; {
		chunkSize := size - offset
		if chunkSize > maxChunk {
			chunkSize = maxChunk
		}
		offsets = append(offsets, [2]int{offset, chunkSize})
		offset += chunkSize
	}
	return offsets
}
