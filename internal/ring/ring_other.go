//go:build !linux

package ring

// New creates the preferred Ring backend for the host. Outside Linux
// (and on WASI) the spec calls for the poll(2) backend.
func New(entries int) (Ring, error) {
	return NewPollRing(entries)
}
