package gatt

import (
	"fmt"
	"strings"
)

// NormalizeUUID converts a UUID string to canonical form (lowercase, no
// dashes, no 0x prefix). Handles both standard UUID format (with dashes)
// and already normalized format (without dashes).
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
	u = strings.TrimPrefix(u, "0x")
	return u
}

// AttrRef identifies a characteristic inside a GATT service. Both UUIDs are
// stored normalized so AttrRefs compare canonically and can be used as map
// keys.
type AttrRef struct {
	Service        string
	Characteristic string
}

// NewAttrRef builds an AttrRef with both UUIDs normalized.
func NewAttrRef(service, characteristic string) AttrRef {
	return AttrRef{
		Service:        NormalizeUUID(service),
		Characteristic: NormalizeUUID(characteristic),
	}
}

func (a AttrRef) String() string {
	return a.Service + "/" + a.Characteristic
}

// IsZero reports whether the reference is empty.
func (a AttrRef) IsZero() bool {
	return a.Service == "" && a.Characteristic == ""
}

// WriteMode selects how a characteristic write is acknowledged.
type WriteMode int

const (
	// WriteWithResponse waits for an ATT write response per chunk.
	WriteWithResponse WriteMode = iota
	// WriteWithoutResponse uses write commands; completion is signaled by the
	// platform's buffer-drain callback.
	WriteWithoutResponse
)

func (m WriteMode) String() string {
	switch m {
	case WriteWithResponse:
		return "with_response"
	case WriteWithoutResponse:
		return "without_response"
	default:
		return fmt.Sprintf("write_mode(%d)", int(m))
	}
}

// PHYOptions carries a PHY preference request (1M/2M/coded). The engine
// passes it through to the radio binding untouched.
type PHYOptions struct {
	TxPreferred int
	RxPreferred int
	CodedOption int
}

// DiscoveredCharacteristic describes one characteristic found during service
// discovery, as reported by the radio binding.
type DiscoveredCharacteristic struct {
	UUID       string
	Properties string
}

// DiscoveredService describes one GATT service found during discovery.
type DiscoveredService struct {
	UUID            string
	Characteristics []DiscoveredCharacteristic
}

// DiscoveryResult is the payload of a servicesDiscovered radio event.
type DiscoveryResult struct {
	Services []DiscoveredService
}

// HasCharacteristic reports whether the discovery result contains the given
// attribute (UUIDs compared in normalized form).
func (r DiscoveryResult) HasCharacteristic(attr AttrRef) bool {
	for _, svc := range r.Services {
		if NormalizeUUID(svc.UUID) != attr.Service {
			continue
		}
		for _, ch := range svc.Characteristics {
			if NormalizeUUID(ch.UUID) == attr.Characteristic {
				return true
			}
		}
	}
	return false
}
