//go:build !linux

package transmit

import "net"

// setDontFragment is a no-op outside Linux; datagrams keep the platform's
// default DF behavior.
func setDontFragment(*net.UDPConn, bool) error {
	return nil
}
