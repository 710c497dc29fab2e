package handler

import (
	"context"
	"echonet-controller/echonet_lite"
	"echonet-controller/echonet_lite/network"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sentDatagram struct {
	dst   net.IP
	frame *echonet_lite.Frame
}

// fakeTransport は送信した電文を記録し、onSend で応答を返せるテスト用のトランスポート
type fakeTransport struct {
	mu      sync.Mutex
	sent    []sentDatagram
	sendErr error
	onSend  func(dst net.IP, frame *echonet_lite.Frame)

	handler   network.ReceiveHandler
	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Send(dst net.IP, data []byte) error {
	frame, _ := echonet_lite.Decode(data)
	t.mu.Lock()
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return err
	}
	t.sent = append(t.sent, sentDatagram{dst: dst, frame: frame})
	onSend := t.onSend
	t.mu.Unlock()

	if onSend != nil && frame != nil {
		go onSend(dst, frame)
	}
	return nil
}

func (t *fakeTransport) Listen(ctx context.Context, handler network.ReceiveHandler) error {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
	t.readyOnce.Do(func() { close(t.ready) })
	select {
	case <-ctx.Done():
		return nil
	case <-t.closed:
		return network.ErrTransportClosed
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) setOnSend(fn func(dst net.IP, frame *echonet_lite.Frame)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSend = fn
}

func (t *fakeTransport) setSendErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

func (t *fakeTransport) sentFrames() []sentDatagram {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentDatagram(nil), t.sent...)
}

// deliver は受信ループに電文を渡す。Listen が始まるまで待つ
func (t *fakeTransport) deliver(tb testing.TB, src net.IP, frame *echonet_lite.Frame) {
	tb.Helper()
	data, err := frame.Encode()
	require.NoError(tb, err)
	t.deliverRaw(tb, src, data)
}

func (t *fakeTransport) deliverRaw(tb testing.TB, src net.IP, data []byte) {
	tb.Helper()
	select {
	case <-t.ready:
	case <-time.After(time.Second):
		tb.Fatal("transport is not listening")
	}
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	handler(src, data)
}

var (
	controllerEOJ = echonet_lite.MakeEOJ(echonet_lite.Controller_ClassCode, 1)
	airconEOJ     = echonet_lite.MakeEOJ(echonet_lite.HomeAirConditioner_ClassCode, 1)
	lightingEOJ   = echonet_lite.MakeEOJ(echonet_lite.SingleFunctionLighting_ClassCode, 1)
	deviceIP      = net.IPv4(192, 168, 0, 10).To4()
	otherIP       = net.IPv4(192, 168, 0, 11).To4()
)

// respond は要求 req に対する応答フレームを作る
func respond(t testing.TB, req *echonet_lite.Frame, esv echonet_lite.ESVType, props ...echonet_lite.Property) *echonet_lite.Frame {
	t.Helper()
	d, ok := req.EDATA1()
	require.True(t, ok)
	seoj := d.DEOJ
	if seoj.IsAllInstances() {
		seoj = echonet_lite.MakeEOJ(seoj.ClassCode(), 1)
	}
	res, err := echonet_lite.NewEDATA1(seoj, d.SEOJ, esv, props)
	require.NoError(t, err)
	return echonet_lite.NewFrame1(req.TID, res)
}

func getRequest(t testing.TB, deoj echonet_lite.EOJ, epcs ...echonet_lite.EPCType) *echonet_lite.EDATA1 {
	t.Helper()
	req, err := echonet_lite.NewEDATA1(controllerEOJ, deoj, echonet_lite.ESVGet, echonet_lite.EPCsToProperties(epcs...))
	require.NoError(t, err)
	return req
}

// eventRecorder はイベントを記録する Observer
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) ofType(types ...EventType) []Event {
	var result []Event
	for _, e := range r.all() {
		for _, t := range types {
			if e.Type == t {
				result = append(result, e)
				break
			}
		}
	}
	return result
}
