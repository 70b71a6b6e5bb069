package engine

import (
	"time"

	"github.com/srg/blecon/internal/gatt"
)

func (s *ConnTestSuite) TestSubscribeWhileDisconnectedIsDeferred() {
	// GOAL: Verify subscription intent recorded before any connection exists
	// resolves immediately and reaches the radio on the first Ready
	//
	// TEST SCENARIO: Subscribe while Idle → no radio traffic → connect to
	// Ready → subscription replayed
	c := s.reg.Device("D1")
	attr := gatt.NewAttrRef("180D", "2A37")

	handle, err := c.Subscribe(attr)
	s.Require().NoError(err)
	res := <-handle.Done()
	s.NoError(res.Err)
	s.True(c.Tracker().Contains(attr))
	s.Empty(s.radio.CallsOf("Subscribe"))

	s.connectToReady("D1", 247)

	subs := s.radio.CallsOf("Subscribe")
	s.Require().Len(subs, 1)
	s.Equal(attr, subs[0].Attr)

	// CCCD write acknowledged: the intent is confirmed for this epoch
	s.reg.WriteCompleted("D1", subs[0].OpID, nil)
	s.True(c.Tracker().Confirmed(attr))
}

func (s *ConnTestSuite) TestSubscriptionSurvivesReconnect() {
	// GOAL: Verify the desired notification set survives a link loss and is
	// re-established on the next Ready without caller involvement
	c := s.connectToReady("D1", 247)
	attr := gatt.NewAttrRef("180D", "2A37")

	_, err := c.Subscribe(attr)
	s.Require().NoError(err)
	subs := s.radio.CallsOf("Subscribe")
	s.Require().Len(subs, 1)
	s.reg.WriteCompleted("D1", subs[0].OpID, nil)
	s.Require().True(c.Tracker().Confirmed(attr))

	// Link drops: intent survives, confirmation does not
	s.reg.Disconnected("D1", 8, false)
	s.Require().Equal(StateAwaitingRetry, c.State())
	s.True(c.Tracker().Contains(attr))
	s.False(c.Tracker().Confirmed(attr))

	s.clk.Add(2 * time.Second)
	s.waitForState(c, StateConnecting)

	s.reg.ConnectResult("D1", nil)
	s.reg.ServicesDiscovered("D1", gatt.DiscoveryResult{}, nil)
	// MTU kept from the previous epoch, Ready follows discovery directly
	s.Require().Equal(StateReady, c.State())

	subs = s.radio.CallsOf("Subscribe")
	s.Require().Len(subs, 2, "subscription replayed on second Ready")
	s.Equal(attr, subs[1].Attr)
}

func (s *ConnTestSuite) TestSubscribeWhileReady() {
	c := s.connectToReady("D1", 247)
	attr := gatt.NewAttrRef("180F", "2A19")

	handle, err := c.Subscribe(attr)
	s.Require().NoError(err)

	subs := s.radio.CallsOf("Subscribe")
	s.Require().Len(subs, 1)

	s.reg.WriteCompleted("D1", subs[0].OpID, nil)
	res := <-handle.Done()
	s.NoError(res.Err)
	s.True(c.Tracker().Confirmed(attr))
}

func (s *ConnTestSuite) TestUnsubscribeRemovesIntent() {
	c := s.connectToReady("D1", 247)
	attr := gatt.NewAttrRef("180D", "2A37")

	_, err := c.Subscribe(attr)
	s.Require().NoError(err)
	subs := s.radio.CallsOf("Subscribe")
	s.Require().Len(subs, 1)
	s.reg.WriteCompleted("D1", subs[0].OpID, nil)

	handle, err := c.Unsubscribe(attr)
	s.Require().NoError(err)

	unsubs := s.radio.CallsOf("Unsubscribe")
	s.Require().Len(unsubs, 1)
	s.Equal(attr, unsubs[0].Attr)
	s.reg.WriteCompleted("D1", unsubs[0].OpID, nil)

	res := <-handle.Done()
	s.NoError(res.Err)
	s.False(c.Tracker().Contains(attr))

	// Reconnect must not resurrect the removed subscription
	s.reg.Disconnected("D1", 8, false)
	s.clk.Add(2 * time.Second)
	s.waitForState(c, StateConnecting)
	s.reg.ConnectResult("D1", nil)
	s.reg.ServicesDiscovered("D1", gatt.DiscoveryResult{}, nil)
	s.Require().Equal(StateReady, c.State())
	s.Len(s.radio.CallsOf("Subscribe"), 1)
}

func (s *ConnTestSuite) TestUnsubscribeUntrackedResolvesImmediately() {
	c := s.connectToReady("D1", 247)
	s.radio.Reset()

	handle, err := c.Unsubscribe(gatt.NewAttrRef("180D", "2A37"))
	s.Require().NoError(err)
	res := <-handle.Done()
	s.NoError(res.Err)
	s.Empty(s.radio.Calls())
}

func (s *ConnTestSuite) TestNotificationDelivered() {
	c := s.connectToReady("D1", 247)
	s.drainEvents()
	attr := gatt.NewAttrRef("180D", "2A37")

	s.reg.CharacteristicUpdated("D1", attr, []byte{0x06, 0x48})

	events := s.drainEvents()
	s.Require().Len(events, 1)
	s.Equal(EventNotification, events[0].Kind)
	s.Equal("D1", events[0].DeviceID)
	s.Equal(attr, events[0].Attr)
	s.Equal([]byte{0x06, 0x48}, events[0].Value)
	s.Equal(StateReady, c.State())
}
