package ring

import "golang.org/x/sys/unix"

// Numeric errno values shared by both backends when decoding a
// negative completion result into one of the typed error kinds above.
const (
	errEAGAIN       = int(unix.EAGAIN)
	errECONNREFUSED = int(unix.ECONNREFUSED)
	errECONNRESET   = int(unix.ECONNRESET)
	errENOTCONN     = int(unix.ENOTCONN)
	errENOTSOCK     = int(unix.ENOTSOCK)
	errEMSGSIZE     = int(unix.EMSGSIZE)
	errEPIPE        = int(unix.EPIPE)
	errENOENT       = int(unix.ENOENT)
	errEALREADY     = int(unix.EALREADY)
	errEINVAL       = int(unix.EINVAL)
)
