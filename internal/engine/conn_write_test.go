package engine

import (
	"errors"

	"github.com/srg/blecon/internal/gatt"
)

func (s *ConnTestSuite) TestWriteSingleChunk() {
	c := s.connectToReady("D1", 247)
	attr := gatt.NewAttrRef("6e400001", "6e400002")
	payload := []byte("short payload")

	handle, err := c.Write(attr, payload, gatt.WriteWithResponse)
	s.Require().NoError(err)

	writes := s.radio.CallsOf("WriteChunk")
	s.Require().Len(writes, 1)
	s.Equal(payload, writes[0].Chunk)
	s.Equal(gatt.WriteWithResponse, writes[0].Mode)

	s.reg.WriteCompleted("D1", writes[0].OpID, nil)
	res := <-handle.Done()
	s.NoError(res.Err)
}

func (s *ConnTestSuite) TestWriteChunkedWithFlowControl() {
	// GOAL: Verify a payload larger than the MTU is split into ordered chunks
	// and each subsequent chunk waits for the platform's buffer-drain signal
	//
	// TEST SCENARIO: 50-byte write at MTU 23 → chunks of 20/20/10 → each
	// chunk gated on readyToSend → handle resolves after the last ack
	c := s.connectToReady("D1", 23)
	attr := gatt.NewAttrRef("6e400001", "6e400002")
	payload := make([]byte, 50)
	for i := range payload {
		payload[i] = byte(i)
	}

	handle, err := c.Write(attr, payload, gatt.WriteWithoutResponse)
	s.Require().NoError(err)

	writes := s.radio.CallsOf("WriteChunk")
	s.Require().Len(writes, 1)
	s.Equal(payload[:20], writes[0].Chunk)
	opID := writes[0].OpID

	// Ack without readiness: next chunk must not be sent yet
	s.reg.WriteCompleted("D1", opID, nil)
	s.Len(s.radio.CallsOf("WriteChunk"), 1)

	s.reg.ReadyToSend("D1")
	writes = s.radio.CallsOf("WriteChunk")
	s.Require().Len(writes, 2)
	s.Equal(payload[20:40], writes[1].Chunk)

	s.reg.WriteCompleted("D1", opID, nil)
	s.reg.ReadyToSend("D1")
	writes = s.radio.CallsOf("WriteChunk")
	s.Require().Len(writes, 3)
	s.Equal(payload[40:], writes[2].Chunk)

	s.reg.WriteCompleted("D1", opID, nil)
	res := <-handle.Done()
	s.NoError(res.Err)

	// Spurious readiness after completion is ignored
	s.reg.ReadyToSend("D1")
	s.Len(s.radio.CallsOf("WriteChunk"), 3)
}

func (s *ConnTestSuite) TestWriteChunkFailureReportsIndex() {
	// GOAL: Verify a mid-payload chunk failure aborts the write and reports
	// which chunk failed so the caller knows the write is not atomic
	c := s.connectToReady("D1", 23)
	attr := gatt.NewAttrRef("6e400001", "6e400002")
	payload := make([]byte, 50)

	handle, err := c.Write(attr, payload, gatt.WriteWithResponse)
	s.Require().NoError(err)

	writes := s.radio.CallsOf("WriteChunk")
	s.Require().Len(writes, 1)
	opID := writes[0].OpID

	s.reg.WriteCompleted("D1", opID, nil)
	s.reg.ReadyToSend("D1")
	s.Require().Len(s.radio.CallsOf("WriteChunk"), 2)

	// Second chunk fails on the air
	s.reg.WriteCompleted("D1", opID, errors.New("att error 0x0e"))

	res := <-handle.Done()
	s.Require().Error(res.Err)
	s.ErrorIs(res.Err, ErrWriteFailed)

	var werr *WriteError
	s.Require().ErrorAs(res.Err, &werr)
	s.Equal(1, werr.Chunk)

	// The remaining chunk is never dispatched
	s.reg.ReadyToSend("D1")
	s.Len(s.radio.CallsOf("WriteChunk"), 2)
	s.Equal(StateReady, c.State(), "a failed write does not tear the link down")
}

func (s *ConnTestSuite) TestWriteQueuedBehindInflight() {
	// Writes serialize with every other operation on the device queue
	c := s.connectToReady("D1", 247)
	attr := gatt.NewAttrRef("6e400001", "6e400002")

	first, err := c.Write(attr, []byte("one"), gatt.WriteWithResponse)
	s.Require().NoError(err)
	second, err := c.Write(attr, []byte("two"), gatt.WriteWithResponse)
	s.Require().NoError(err)

	writes := s.radio.CallsOf("WriteChunk")
	s.Require().Len(writes, 1, "second write waits for the first")
	s.Equal(1, c.QueueDepth())

	s.reg.WriteCompleted("D1", writes[0].OpID, nil)
	res := <-first.Done()
	s.NoError(res.Err)

	writes = s.radio.CallsOf("WriteChunk")
	s.Require().Len(writes, 2)
	s.Equal([]byte("two"), writes[1].Chunk)

	s.reg.WriteCompleted("D1", writes[1].OpID, nil)
	res = <-second.Done()
	s.NoError(res.Err)
}

func (s *ConnTestSuite) TestRequestMTUWhileReady() {
	c := s.connectToReady("D1", 185)
	s.drainEvents()
	s.radio.Reset()

	handle, err := c.RequestMTU(247)
	s.Require().NoError(err)

	mtus := s.radio.CallsOf("RequestMTU")
	s.Require().Len(mtus, 1)
	s.Equal(247, mtus[0].MTU)

	s.reg.MTUChanged("D1", 247)
	res := <-handle.Done()
	s.NoError(res.Err)
	s.Equal(247, res.MTU)
	s.Equal(247, c.MTU())

	events := s.drainEvents()
	s.Require().Len(events, 1)
	s.Equal(EventMTUChanged, events[0].Kind)
	s.Equal(247, events[0].MTU)
}

func (s *ConnTestSuite) TestRequestPHYIsAdvisory() {
	c := s.connectToReady("D1", 247)

	handle, err := c.RequestPHY(gatt.PHYOptions{TxPreferred: 2, RxPreferred: 2})
	s.Require().NoError(err)

	phys := s.radio.CallsOf("RequestPHY")
	s.Require().Len(phys, 1)
	s.Equal(2, phys[0].PHY.TxPreferred)

	// No completion callback exists for PHY preferences; the handle resolves
	// on dispatch
	res := <-handle.Done()
	s.NoError(res.Err)
}
