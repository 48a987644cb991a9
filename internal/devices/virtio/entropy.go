package virtio

import "crypto/rand"

// EntropyDevice is a virtio-rng device: every request descriptor is
// filled with bytes from the host's CSPRNG.
type EntropyDevice struct{}

// NewEntropyDevice creates a virtio-rng device.
func NewEntropyDevice() *EntropyDevice { return &EntropyDevice{} }

func (e *EntropyDevice) DeviceID() uint32     { return DeviceIDEntropy }
func (e *EntropyDevice) NumQueues() int       { return 1 }
func (e *EntropyDevice) QueueSize(int) uint16 { return 64 }
func (e *EntropyDevice) Config() []byte       { return nil }

// ProcessQueue fills every writable descriptor in each available chain
// with random bytes.
func (e *EntropyDevice) ProcessQueue(sel int, q *Queue) (bool, error) {
	var processed bool
	for {
		chain, ok, err := q.PopAvail()
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}
		processed = true
		var total uint32
		for _, d := range chain.Descs {
			if !IsWritable(d) {
				continue
			}
			buf := make([]byte, d.Len)
			if _, err := rand.Read(buf); err != nil {
				return processed, err
			}
			n, err := q.WriteFrom(d, buf)
			if err != nil {
				return processed, err
			}
			total += uint32(n)
		}
		if err := q.PushUsed(chain.Head, total); err != nil {
			return processed, err
		}
	}
}
