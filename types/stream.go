package types

import (
	"fmt"
	"net"
	"strconv"
)

// StreamKey identifies the UDP flow a probe train travels on.
type StreamKey struct {
	SrcIP   string
	DstIP   string
	SrcPort uint16
	DstPort uint16
}

func (sk StreamKey) String() string {
	return fmt.Sprintf("%s:%d->%s:%d", sk.SrcIP, sk.SrcPort, sk.DstIP, sk.DstPort)
}

// StreamKeyFromAddrs builds a key from two UDP addresses, tolerating nils.
func StreamKeyFromAddrs(src, dst net.Addr) StreamKey {
	var key StreamKey
	key.SrcIP, key.SrcPort = splitAddr(src)
	key.DstIP, key.DstPort = splitAddr(dst)
	return key
}

func splitAddr(addr net.Addr) (string, uint16) {
	if addr == nil {
		return "", 0
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	p, _ := strconv.ParseUint(port, 10, 16)
	return host, uint16(p)
}
