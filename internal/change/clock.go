package change

import "sync/atomic"

// Clock issues strictly increasing stamps for one device
type Clock struct {
	device  DeviceID
	counter atomic.Uint64
}

// NewClock resumes a clock whose last issued stamp was last
func NewClock(device DeviceID, last uint64) *Clock {
	c := &Clock{device: device}
	c.counter.Store(last)
	return c
}

func (c *Clock) Device() DeviceID {
	return c.device
}

func (c *Clock) Next() uint64 {
	return c.counter.Add(1)
}

func (c *Clock) Last() uint64 {
	return c.counter.Load()
}

// Observe moves the clock forward so it never reissues stamp
func (c *Clock) Observe(stamp uint64) {
	for {
		cur := c.counter.Load()
		if stamp <= cur || c.counter.CompareAndSwap(cur, stamp) {
			return
		}
	}
}

// Stamp builds a record originated by this clock's device
func (c *Clock) Stamp(op Op, res Resource, base Vector, content []byte) Record {
	return Record{
		Origin:   c.device,
		Stamp:    c.Next(),
		Op:       op,
		Resource: res,
		Base:     base.Clone(),
		Content:  content,
	}
}
