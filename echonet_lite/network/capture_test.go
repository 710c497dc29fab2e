package network

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedUDP struct {
	src     net.IP
	dstPort uint16
	payload []byte
}

func writeCapture(t *testing.T, packets []capturedUDP) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	writer := pcapgo.NewWriter(&buf)
	require.NoError(t, writer.WriteFileHeader(65535, layers.LinkTypeEthernet))

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, p := range packets {
		ethernet := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0x01},
			DstMAC:       net.HardwareAddr{0x01, 0x00, 0x5e, 0x00, 0x17, 0x00},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    p.src.To4(),
			DstIP:    net.IPv4(224, 0, 23, 0).To4(),
		}
		udp := &layers.UDP{SrcPort: 3610, DstPort: layers.UDPPort(p.dstPort)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		sb := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(sb, opts, ethernet, ip, udp, gopacket.Payload(p.payload)))
		data := sb.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, writer.WritePacket(ci, data))
	}
	return &buf
}

func TestCaptureTransport_ReplaysEchonetPayloads(t *testing.T) {
	frame := []byte{0x10, 0x81, 0x00, 0x01, 0x0e, 0xf0, 0x01, 0x0e, 0xf0, 0x01, 0x73, 0x01, 0xd5, 0x04, 0x01, 0x01, 0x30, 0x01}
	buf := writeCapture(t, []capturedUDP{
		{src: net.IPv4(192, 168, 0, 10), dstPort: 3610, payload: frame},
		{src: net.IPv4(192, 168, 0, 11), dstPort: 5353, payload: []byte("mdns")},
		{src: net.IPv4(192, 168, 0, 12), dstPort: 3610, payload: []byte{0x10, 0x82, 0x00, 0x02, 0xaa}},
	})

	tr := NewCaptureTransport(buf, CaptureOptions{Realtime: true})
	defer tr.Close()

	var srcs []net.IP
	var payloads [][]byte
	err := tr.Listen(context.Background(), func(src net.IP, data []byte) {
		srcs = append(srcs, src)
		payloads = append(payloads, data)
	})
	require.NoError(t, err)

	require.Len(t, payloads, 2)
	assert.True(t, srcs[0].Equal(net.IPv4(192, 168, 0, 10)))
	assert.Equal(t, frame, payloads[0])
	assert.True(t, srcs[1].Equal(net.IPv4(192, 168, 0, 12)))
	assert.Equal(t, []byte{0x10, 0x82, 0x00, 0x02, 0xaa}, payloads[1])
}

func TestCaptureTransport_SendIsRejected(t *testing.T) {
	tr := NewCaptureTransport(bytes.NewReader(nil), CaptureOptions{})
	assert.ErrorIs(t, tr.Send(nil, []byte{0x10}), ErrReplayReadOnly)
}

func TestCaptureTransport_BadHeader(t *testing.T) {
	tr := NewCaptureTransport(bytes.NewReader([]byte("not a pcap")), CaptureOptions{})
	err := tr.Listen(context.Background(), func(net.IP, []byte) {})
	assert.Error(t, err)
}

func TestCaptureTransport_ClosedBeforeListen(t *testing.T) {
	buf := writeCapture(t, []capturedUDP{{src: net.IPv4(10, 0, 0, 1), dstPort: 3610, payload: []byte{0x10}}})
	tr := NewCaptureTransport(buf, CaptureOptions{})
	require.NoError(t, tr.Close())
	err := tr.Listen(context.Background(), func(net.IP, []byte) { t.Fatal("handler must not be called") })
	assert.ErrorIs(t, err, ErrTransportClosed)
}
