// Package traffic generates and consumes UDP test frames so the engine can be
// exercised end to end without a network stack.
package traffic

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// headerLength is the size of the Ethernet, IPv4 and UDP headers of a frame.
const headerLength = 14 + 20 + 8

// MinFrameSize fits the headers and the sequence number.
const MinFrameSize = headerLength + 8

var ErrNotTestFrame = errors.New("not a test frame")

// Endpoints are the addresses written into generated frames.
type Endpoints struct {
	SrcMAC, DstMAC   net.HardwareAddr
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
}

// BuildFrame serializes a frame of size bytes carrying seq.
func BuildFrame(ep Endpoints, seq uint64, size int) ([]byte, error) {
	if size < MinFrameSize {
		return nil, fmt.Errorf("frame size %d is smaller than %d", size, MinFrameSize)
	}

	eth := layers.Ethernet{
		SrcMAC:       ep.SrcMAC,
		DstMAC:       ep.DstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}

	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    ep.SrcIP,
		DstIP:    ep.DstIP,
	}

	udp := layers.UDP{
		SrcPort: layers.UDPPort(ep.SrcPort),
		DstPort: layers.UDPPort(ep.DstPort),
	}
	err := udp.SetNetworkLayerForChecksum(&ip)
	if err != nil {
		return nil, err
	}

	data := make([]byte, size-headerLength)
	binary.BigEndian.PutUint64(data, seq)
	for i := 8; i < len(data); i++ {
		data[i] = byte(seq) + byte(i)
	}

	buffer := gopacket.NewSerializeBuffer()
	opt := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	err = gopacket.SerializeLayers(buffer, opt, &eth, &ip, &udp, gopacket.Payload(data))
	if err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}

// ParseFrame decodes a frame built by BuildFrame and returns its sequence
// number. Trailing padding after the IPv4 packet is ignored.
func ParseFrame(frame []byte) (uint64, error) {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Lazy)
	if packet.Layer(layers.LayerTypeIPv4) == nil {
		return 0, fmt.Errorf("%w: no ipv4 layer", ErrNotTestFrame)
	}

	l := packet.Layer(layers.LayerTypeUDP)
	if l == nil {
		return 0, fmt.Errorf("%w: no udp layer", ErrNotTestFrame)
	}
	udp := l.(*layers.UDP)
	if len(udp.Payload) < 8 {
		return 0, fmt.Errorf("%w: %d bytes of payload", ErrNotTestFrame, len(udp.Payload))
	}

	return binary.BigEndian.Uint64(udp.Payload), nil
}
