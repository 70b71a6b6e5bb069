// Package goble binds the engine's radio boundary to the go-ble host stack.
// Every gatt.Radio method returns immediately; the blocking go-ble call runs
// on a named goroutine and its outcome is delivered through the event sink.
package goble

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecon/internal/gatt"
	"github.com/srg/blecon/internal/groutine"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests).
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}

// link is one live go-ble connection plus its discovered characteristic
// handles.
type link struct {
	client    ble.Client
	chars     map[gatt.AttrRef]*ble.Characteristic
	solicited atomic.Bool
}

// Radio adapts go-ble to gatt.Radio. Safe for concurrent use; per-device
// serialization is the engine's job, the adapter only tracks live links.
type Radio struct {
	mu    sync.Mutex
	dev   ble.Device
	links map[string]*link

	sink   gatt.EventSink
	logger *logrus.Logger
}

var _ gatt.Radio = (*Radio)(nil)

// New creates a Radio delivering platform events to sink. A nil sink is
// allowed at construction so the engine registry (which needs the radio
// first) can be installed afterwards with SetSink.
func New(sink gatt.EventSink, logger *logrus.Logger) *Radio {
	if logger == nil {
		logger = logrus.New()
	}
	return &Radio{
		links:  make(map[string]*link),
		sink:   sink,
		logger: logger,
	}
}

// SetSink installs the event sink. Must be called before any radio method is
// invoked.
func (r *Radio) SetSink(sink gatt.EventSink) {
	r.sink = sink
}

// ensureDevice lazily initializes the host adapter via DeviceFactory.
func (r *Radio) ensureDevice() (ble.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dev != nil {
		return r.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, normalizeError(err)
	}
	ble.SetDefaultDevice(dev)
	r.dev = dev
	return dev, nil
}

func (r *Radio) lookup(deviceID string) *link {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[deviceID]
}

func (r *Radio) Connect(deviceID string, timeout time.Duration) {
	groutine.Go(nil, "ble-connect-"+deviceID, func(ctx context.Context) {
		if _, err := r.ensureDevice(); err != nil {
			r.logger.WithField("error", err).Error("Failed to initialize BLE adapter")
			r.sink.ConnectResult(deviceID, err)
			return
		}

		dialCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		r.logger.WithFields(logrus.Fields{
			"address": deviceID,
			"timeout": timeout,
		}).Info("Dialing BLE device...")

		client, err := ble.Dial(dialCtx, ble.NewAddr(deviceID))
		if err != nil {
			r.sink.ConnectResult(deviceID, normalizeError(err))
			return
		}

		ln := &link{client: client, chars: make(map[gatt.AttrRef]*ble.Characteristic)}
		r.mu.Lock()
		r.links[deviceID] = ln
		r.mu.Unlock()

		groutine.Go(nil, "ble-watch-"+deviceID, func(context.Context) {
			<-client.Disconnected()
			r.mu.Lock()
			delete(r.links, deviceID)
			r.mu.Unlock()
			r.sink.Disconnected(deviceID, 0, ln.solicited.Load())
		})

		r.sink.ConnectResult(deviceID, nil)
	})
}

func (r *Radio) Disconnect(deviceID string) {
	ln := r.lookup(deviceID)
	if ln == nil {
		return
	}
	ln.solicited.Store(true)
	groutine.Go(nil, "ble-disconnect-"+deviceID, func(context.Context) {
		if err := ln.client.CancelConnection(); err != nil {
			r.logger.WithFields(logrus.Fields{
				"address": deviceID,
				"error":   err,
			}).Warn("CancelConnection failed")
		}
	})
}

func (r *Radio) DiscoverServices(deviceID string) {
	ln := r.lookup(deviceID)
	if ln == nil {
		r.sink.ServicesDiscovered(deviceID, gatt.DiscoveryResult{}, errNotConnected(deviceID))
		return
	}
	groutine.Go(nil, "ble-discover-"+deviceID, func(context.Context) {
		profile, err := ln.client.DiscoverProfile(true)
		if err != nil {
			r.sink.ServicesDiscovered(deviceID, gatt.DiscoveryResult{}, normalizeError(err))
			return
		}

		result := gatt.DiscoveryResult{}
		chars := make(map[gatt.AttrRef]*ble.Characteristic)
		for _, svc := range profile.Services {
			ds := gatt.DiscoveredService{UUID: svc.UUID.String()}
			for _, ch := range svc.Characteristics {
				ds.Characteristics = append(ds.Characteristics, gatt.DiscoveredCharacteristic{
					UUID:       ch.UUID.String(),
					Properties: propertyString(ch.Property),
				})
				chars[gatt.NewAttrRef(svc.UUID.String(), ch.UUID.String())] = ch
			}
			result.Services = append(result.Services, ds)
		}

		r.mu.Lock()
		ln.chars = chars
		r.mu.Unlock()

		r.sink.ServicesDiscovered(deviceID, result, nil)
	})
}

func (r *Radio) Read(deviceID string, opID uint64, attr gatt.AttrRef) {
	groutine.Go(nil, "ble-read-"+deviceID, func(context.Context) {
		client, ch, err := r.characteristic(deviceID, attr)
		if err != nil {
			r.sink.ReadCompleted(deviceID, opID, nil, err)
			return
		}
		value, err := client.ReadCharacteristic(ch)
		r.sink.ReadCompleted(deviceID, opID, value, normalizeError(err))
	})
}

func (r *Radio) WriteChunk(deviceID string, opID uint64, attr gatt.AttrRef, chunk []byte, mode gatt.WriteMode) {
	groutine.Go(nil, "ble-write-"+deviceID, func(context.Context) {
		client, ch, err := r.characteristic(deviceID, attr)
		if err != nil {
			r.sink.WriteCompleted(deviceID, opID, err)
			return
		}
		noRsp := mode == gatt.WriteWithoutResponse
		err = normalizeError(client.WriteCharacteristic(ch, chunk, noRsp))
		r.sink.WriteCompleted(deviceID, opID, err)
		if err == nil {
			// go-ble returns once the host stack accepted the packet, so the
			// pipe is ready for the next chunk right away.
			r.sink.ReadyToSend(deviceID)
		}
	})
}

func (r *Radio) Subscribe(deviceID string, opID uint64, attr gatt.AttrRef) {
	groutine.Go(nil, "ble-subscribe-"+deviceID, func(context.Context) {
		client, ch, err := r.characteristic(deviceID, attr)
		if err != nil {
			r.sink.WriteCompleted(deviceID, opID, err)
			return
		}
		handler := func(data []byte) {
			r.sink.CharacteristicUpdated(deviceID, attr, data)
		}
		err = client.Subscribe(ch, false, handler)
		r.sink.WriteCompleted(deviceID, opID, normalizeError(err))
	})
}

func (r *Radio) Unsubscribe(deviceID string, opID uint64, attr gatt.AttrRef) {
	groutine.Go(nil, "ble-unsubscribe-"+deviceID, func(context.Context) {
		client, ch, err := r.characteristic(deviceID, attr)
		if err != nil {
			r.sink.WriteCompleted(deviceID, opID, err)
			return
		}
		err = client.Unsubscribe(ch, false)
		r.sink.WriteCompleted(deviceID, opID, normalizeError(err))
	})
}

func (r *Radio) RequestMTU(deviceID string, mtu int) {
	ln := r.lookup(deviceID)
	if ln == nil {
		return
	}
	groutine.Go(nil, "ble-mtu-"+deviceID, func(context.Context) {
		negotiated, err := ln.client.ExchangeMTU(mtu)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"address": deviceID,
				"error":   err,
			}).Warn("MTU exchange failed, keeping BLE 4.x default")
			negotiated = 23
		}
		r.sink.MTUChanged(deviceID, negotiated)
	})
}

func (r *Radio) RequestPHY(deviceID string, opts gatt.PHYOptions) {
	// go-ble exposes no PHY control; the preference is logged and dropped.
	r.logger.WithFields(logrus.Fields{
		"address": deviceID,
		"tx":      opts.TxPreferred,
		"rx":      opts.RxPreferred,
	}).Debug("PHY preference not supported by host stack")
}

// Close drops every live link.
func (r *Radio) Close() {
	r.mu.Lock()
	links := make([]*link, 0, len(r.links))
	for id, ln := range r.links {
		links = append(links, ln)
		delete(r.links, id)
	}
	r.mu.Unlock()

	for _, ln := range links {
		ln.solicited.Store(true)
		_ = ln.client.CancelConnection()
	}
}

// characteristic resolves attr against the link's discovery cache, returning
// the live client alongside so callers cannot observe a dropped link halfway.
func (r *Radio) characteristic(deviceID string, attr gatt.AttrRef) (ble.Client, *ble.Characteristic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ln := r.links[deviceID]
	if ln == nil {
		return nil, nil, errNotConnected(deviceID)
	}
	ch, ok := ln.chars[attr]
	if !ok {
		return nil, nil, &gatt.NotFoundError{Resource: "characteristic", UUIDs: []string{attr.Service, attr.Characteristic}}
	}
	return ln.client, ch, nil
}

// propertyString renders characteristic property flags the way they appear
// in GATT inspector tools.
func propertyString(p ble.Property) string {
	var names []string
	if p&ble.CharBroadcast != 0 {
		names = append(names, "Broadcast")
	}
	if p&ble.CharRead != 0 {
		names = append(names, "Read")
	}
	if p&ble.CharWriteNR != 0 {
		names = append(names, "WriteWithoutResponse")
	}
	if p&ble.CharWrite != 0 {
		names = append(names, "Write")
	}
	if p&ble.CharNotify != 0 {
		names = append(names, "Notify")
	}
	if p&ble.CharIndicate != 0 {
		names = append(names, "Indicate")
	}
	if p&ble.CharSignedWrite != 0 {
		names = append(names, "AuthenticatedSignedWrites")
	}
	if p&ble.CharExtended != 0 {
		names = append(names, "ExtendedProperties")
	}
	return strings.Join(names, "|")
}
