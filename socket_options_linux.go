//go:build linux

package proactor

import (
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// setSocketOptions applies the configured kernel buffer sizes and disables
// Nagle on streams. Failures are logged and otherwise ignored; the socket
// stays usable with OS defaults.
func setSocketOptions(logger zerolog.Logger, s *Socket, bufferSize int) {
	if bufferSize > 0 {
		err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bufferSize)
		if err != nil {
			logger.Error().Msgf("[%d] got error while setting socket options SO_RCVBUF: %+v", s.fd, err)
		}
		err = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, bufferSize)
		if err != nil {
			logger.Error().Msgf("[%d] got error while setting socket options SO_SNDBUF: %+v", s.fd, err)
		}
	}
	if s.Stream() {
		err := unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		if err != nil {
			logger.Error().Msgf("[%d] got error while setting socket options TCP_NODELAY: %+v", s.fd, err)
		}
	}
}
