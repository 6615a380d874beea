// Package bpf compiles the socket filter that limits the passive capture to
// probe datagrams.
package bpf

import (
	"fmt"
	"net"

	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

const (
	linkTypeEthernet = 1 // DLT_EN10MB
	snapLen          = 65535
)

// ProbeFilter is the tcpdump expression matching probe datagrams sent to
// port. A non-empty peer narrows it to datagrams from that host.
func ProbeFilter(port uint16, peer string) string {
	expr := fmt.Sprintf("udp and dst port %d", port)
	if ip := net.ParseIP(peer); ip != nil {
		expr += " and src host " + ip.String()
	}
	return expr
}

// Compile turns a tcpdump expression into instructions for an Ethernet
// socket.
func Compile(expr string) ([]bpf.RawInstruction, error) {
	instructions, err := pcap.CompileBPFFilter(linkTypeEthernet, snapLen, expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile BPF filter '%s': %w", expr, err)
	}
	return toRaw(instructions), nil
}

func toRaw(instructions []pcap.BPFInstruction) []bpf.RawInstruction {
	raw := make([]bpf.RawInstruction, len(instructions))
	for i, inst := range instructions {
		raw[i] = bpf.RawInstruction{
			Op: inst.Code,
			Jt: inst.Jt,
			Jf: inst.Jf,
			K:  inst.K,
		}
	}
	return raw
}
