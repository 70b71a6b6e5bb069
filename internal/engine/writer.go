package engine

// chunkPayload splits a write payload into packets that fit the negotiated
// MTU minus the ATT write overhead. A payload that fits in one packet
// produces a single chunk; an empty payload produces one empty chunk so a
// zero-length write still round-trips through the radio.
func chunkPayload(payload []byte, mtu, overhead int) [][]byte {
	if mtu < MinMTU {
		mtu = MinMTU
	}
	if overhead < 0 {
		overhead = 0
	}
	size := mtu - overhead
	if size <= 0 {
		size = MinMTU - DefaultWriteOverhead
	}

	if len(payload) == 0 {
		return [][]byte{{}}
	}

	chunks := make([][]byte, 0, (len(payload)+size-1)/size)
	for len(payload) > 0 {
		n := len(payload)
		if n > size {
			n = size
		}
		chunks = append(chunks, payload[:n])
		payload = payload[n:]
	}
	return chunks
}
