package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// CaptureTransport は pcap ファイルに記録された ECHONET Lite の UDP ペイロードを受信データとして再生します。
// 送信はできません。
type CaptureTransport struct {
	r        io.Reader
	closer   io.Closer
	port     uint16
	realtime bool

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

var _ Transport = (*CaptureTransport)(nil)

// CaptureOptions は再生方法の指定です。
type CaptureOptions struct {
	Port     int  // 0 のときは 3610
	Realtime bool // 記録時のパケット間隔を再現する
}

// OpenCapture は pcap ファイルを開きます。
func OpenCapture(path string, opts CaptureOptions) (*CaptureTransport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pcap: %w", err)
	}
	t := NewCaptureTransport(f, opts)
	t.closer = f
	return t, nil
}

// NewCaptureTransport は pcap 形式のストリームから再生する Transport を作成します。
func NewCaptureTransport(r io.Reader, opts CaptureOptions) *CaptureTransport {
	port := uint16(opts.Port)
	if port == 0 {
		port = 3610
	}
	return &CaptureTransport{
		r:        r,
		port:     port,
		realtime: opts.Realtime,
		done:     make(chan struct{}),
	}
}

func (t *CaptureTransport) Send(net.IP, []byte) error {
	return ErrReplayReadOnly
}

// Listen はファイルの終わりまで再生すると nil を返します。
func (t *CaptureTransport) Listen(ctx context.Context, handler ReceiveHandler) error {
	reader, err := pcapgo.NewReader(t.r)
	if err != nil {
		return fmt.Errorf("read pcap header: %w", err)
	}
	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.NoCopy = true

	var lastTs time.Time
	total, delivered := 0, 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.done:
			return ErrTransportClosed
		default:
		}

		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			slog.Info("pcap の再生が完了しました", "packets", total, "delivered", delivered)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read pcap packet %d: %w", total+1, err)
		}
		total++

		if t.realtime && packet.Metadata() != nil {
			ts := packet.Metadata().Timestamp
			if !lastTs.IsZero() {
				if wait := ts.Sub(lastTs); wait > 0 {
					select {
					case <-time.After(wait):
					case <-ctx.Done():
						return nil
					case <-t.done:
						return ErrTransportClosed
					}
				}
			}
			lastTs = ts
		}

		src, payload, ok := t.extract(packet)
		if !ok {
			continue
		}
		delivered++
		handler(src, payload)
	}
}

// extract は ECHONET Lite ポート宛ての UDP ペイロードと送信元IPを取り出す
func (t *CaptureTransport) extract(packet gopacket.Packet) (net.IP, []byte, bool) {
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, nil, false
	}
	udp, _ := udpLayer.(*layers.UDP)
	if udp == nil || uint16(udp.DstPort) != t.port {
		return nil, nil, false
	}
	var src net.IP
	if ipLayer := packet.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		src = ipLayer.(*layers.IPv4).SrcIP
	} else if ipLayer := packet.Layer(layers.LayerTypeIPv6); ipLayer != nil {
		src = ipLayer.(*layers.IPv6).SrcIP
	} else {
		return nil, nil, false
	}
	payload := make([]byte, len(udp.Payload))
	copy(payload, udp.Payload)
	return append(net.IP(nil), src...), payload, true
}

func (t *CaptureTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}
