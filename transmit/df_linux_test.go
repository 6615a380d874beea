//go:build linux

package transmit

import (
	"compression-detector/types"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOpen_SetsDontFragment(t *testing.T) {
	src, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	srcPort := src.LocalAddr().(*net.UDPAddr).Port
	src.Close()

	cfg, err := types.NewProbeConfigBuilder().
		Peer("127.0.0.1").
		Ports(types.Ports{
			Control:     7777,
			Source:      uint16(srcPort),
			Destination: 9,
			HeadSyn:     7778,
			TailSyn:     7779,
			Result:      7780,
		}).
		PayloadSize(128).
		PacketCount(1).
		Build()
	require.NoError(t, err)

	conn, err := Open(cfg)
	require.NoError(t, err)
	defer conn.Close()

	raw, err := conn.SyscallConn()
	require.NoError(t, err)
	var mode int
	var serr error
	require.NoError(t, raw.Control(func(fd uintptr) {
		mode, serr = unix.GetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MTU_DISCOVER)
	}))
	require.NoError(t, serr)
	assert.Equal(t, unix.IP_PMTUDISC_DO, mode)
}
