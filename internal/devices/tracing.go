package devices

import (
	"log"
	"time"
)

// TracingIOBus wraps an IOBus and logs every access with a tag and the
// elapsed time since the previous one, in the spirit of the original
// prototype's compile-time PORT_DEBUG diff logging, but toggled at
// runtime via Enabled rather than a build flag.
type TracingIOBus struct {
	*IOBus
	Enabled bool

	last time.Time
}

// NewTracingIOBus wraps bus; tracing starts disabled.
func NewTracingIOBus(bus *IOBus) *TracingIOBus {
	return &TracingIOBus{IOBus: bus, last: time.Now()}
}

func (t *TracingIOBus) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	if !t.Enabled {
		return t.IOBus.HandleIO(port, direction, size, data)
	}
	now := time.Now()
	delta := now.Sub(t.last)
	t.last = now
	err := t.IOBus.HandleIO(port, direction, size, data)
	dir := "IN "
	if direction == IODirectionOut {
		dir = "OUT"
	}
	val := byte(0)
	if len(data) > 0 {
		val = data[0]
	}
	log.Printf("port-trace: %s 0x%04x sz=%d val=0x%02x dt=%s", dir, port, size, val, delta)
	return err
}
