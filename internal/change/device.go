// Package change holds the qbsync data model: device ids, resources, change
// records, version vectors, per-device clocks and conflict policies.
package change

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"
	"github.com/denisbrodbeck/machineid"
)

var ErrInvalidDeviceID = errors.New("invalid device id")

// DeviceID identifies a synchronizing participant. It renders as 16
// lowercase hex characters.
type DeviceID uint64

func NewDeviceID() DeviceID {
	for {
		if id := DeviceID(rand.Uint64()); id != 0 {
			return id
		}
	}
}

// DeviceIDFromName derives a stable id from a name
func DeviceIDFromName(name string) DeviceID {
	return DeviceID(xxhash.Sum64String(name))
}

// HostDeviceID derives the id of this machine. The machine id is hashed
// with appID so it is never exposed verbatim.
func HostDeviceID(appID string) (DeviceID, error) {
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		return 0, fmt.Errorf("machine id: %w", err)
	}
	return DeviceIDFromName(id), nil
}

func ParseDeviceID(s string) (DeviceID, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDeviceID, s)
	}
	var buf [8]byte
	if _, err := hex.Decode(buf[:], []byte(s)); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDeviceID, s)
	}
	return DeviceID(binary.BigEndian.Uint64(buf[:])), nil
}

func (d DeviceID) String() string {
	return fmt.Sprintf("%016x", uint64(d))
}

func (d DeviceID) IsZero() bool {
	return d == 0
}

func (d DeviceID) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DeviceID) UnmarshalText(text []byte) error {
	id, err := ParseDeviceID(string(text))
	if err != nil {
		return err
	}
	*d = id
	return nil
}
