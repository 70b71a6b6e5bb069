package engine

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecon/internal/backoff"
	"github.com/srg/blecon/internal/opqueue"
)

// Default engine tuning values.
const (
	DefaultMaxRetryAttempts = 5
	DefaultMaxBackoffWindow = 5 * time.Minute
	DefaultQueueDepthLimit  = 32
	DefaultPreferredMTU     = 517
	DefaultEventBufferSize  = 256

	// DefaultWriteOverhead is the ATT write header (opcode + handle) that
	// shrinks the usable payload per packet.
	DefaultWriteOverhead = 3

	// MinMTU is the BLE 4.x default ATT_MTU, used until negotiation settles.
	MinMTU = 23
)

// Timeouts holds the per-operation-kind dispatch timeouts.
type Timeouts struct {
	Connect    time.Duration
	Disconnect time.Duration
	Discover   time.Duration
	Read       time.Duration
	Write      time.Duration
	Subscribe  time.Duration
	RequestMTU time.Duration
	RequestPHY time.Duration
}

// DefaultTimeouts returns the per-kind defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:    10 * time.Second,
		Disconnect: 5 * time.Second,
		Discover:   10 * time.Second,
		Read:       5 * time.Second,
		Write:      5 * time.Second,
		Subscribe:  5 * time.Second,
		RequestMTU: 5 * time.Second,
		RequestPHY: 5 * time.Second,
	}
}

// For returns the timeout for the given operation kind.
func (t Timeouts) For(kind opqueue.Kind) time.Duration {
	switch kind {
	case opqueue.KindConnect:
		return t.Connect
	case opqueue.KindDisconnect:
		return t.Disconnect
	case opqueue.KindDiscoverServices:
		return t.Discover
	case opqueue.KindRead:
		return t.Read
	case opqueue.KindWrite:
		return t.Write
	case opqueue.KindSubscribe, opqueue.KindUnsubscribe:
		return t.Subscribe
	case opqueue.KindRequestMTU:
		return t.RequestMTU
	case opqueue.KindRequestPHY:
		return t.RequestPHY
	default:
		return 5 * time.Second
	}
}

// Options configures the engine. The zero value is usable: normalize fills
// in defaults.
type Options struct {
	MaxRetryAttempts int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	// MaxBackoffWindow bounds the cumulative time spent retrying since the
	// first failure of a streak before the device transitions to Failed.
	MaxBackoffWindow time.Duration
	QueueDepthLimit  int
	PreferredMTU     int
	WriteOverhead    int
	EventBufferSize  int
	Timeouts         Timeouts

	// BackoffSeed makes retry jitter reproducible in tests. Zero selects a
	// time-derived seed.
	BackoffSeed int64

	// Clock abstracts timers for deterministic tests. Nil selects the real
	// clock.
	Clock clock.Clock

	Logger *logrus.Logger
}

// DefaultOptions returns the fully populated default configuration.
func DefaultOptions() Options {
	return Options{
		MaxRetryAttempts: DefaultMaxRetryAttempts,
		BaseBackoff:      backoff.DefaultBase,
		MaxBackoff:       backoff.DefaultCap,
		MaxBackoffWindow: DefaultMaxBackoffWindow,
		QueueDepthLimit:  DefaultQueueDepthLimit,
		PreferredMTU:     DefaultPreferredMTU,
		WriteOverhead:    DefaultWriteOverhead,
		EventBufferSize:  DefaultEventBufferSize,
		Timeouts:         DefaultTimeouts(),
	}
}

// normalize fills zero fields with defaults.
func (o *Options) normalize() {
	def := DefaultOptions()
	if o.MaxRetryAttempts <= 0 {
		o.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = def.BaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = def.MaxBackoff
	}
	if o.MaxBackoffWindow <= 0 {
		o.MaxBackoffWindow = def.MaxBackoffWindow
	}
	if o.QueueDepthLimit <= 0 {
		o.QueueDepthLimit = def.QueueDepthLimit
	}
	if o.PreferredMTU <= 0 {
		o.PreferredMTU = def.PreferredMTU
	}
	if o.WriteOverhead <= 0 {
		o.WriteOverhead = def.WriteOverhead
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = def.EventBufferSize
	}
	if o.BackoffSeed == 0 {
		o.BackoffSeed = time.Now().UnixNano()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.Timeouts == (Timeouts{}) {
		o.Timeouts = def.Timeouts
	}
}
