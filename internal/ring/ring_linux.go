//go:build linux

package ring

// New creates the preferred Ring backend for the host: io_uring on
// Linux, falling back to poll(2) if the kernel rejects the setup call
// (pre-5.15, or a restrictive seccomp profile).
func New(entries int) (Ring, error) {
	r, err := NewURingRing(entries)
	if err == nil {
		return r, nil
	}
	return NewPollRing(entries)
}
