package handler

import (
	"context"
	"echonet-controller/echonet_lite"
	"echonet-controller/echonet_lite/catalog"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, opts HandlerOptions) (*ECHONETLiteHandler, *fakeTransport, *eventRecorder) {
	t.Helper()
	tr := newFakeTransport()
	opts.Transport = tr
	if opts.Lookup == nil {
		opts.Lookup = catalog.Default()
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 200 * time.Millisecond
	}
	if opts.Discovery.Timeout == 0 {
		opts.Discovery.Timeout = 100 * time.Millisecond
	}
	h, err := NewECHONETLiteHandler(context.Background(), opts)
	require.NoError(t, err)
	rec := &eventRecorder{}
	h.Subscribe(rec)
	require.NoError(t, h.Start())
	t.Cleanup(func() { _ = h.Close() })
	return h, tr, rec
}

var aircon = echonet_lite.IPAndEOJ{IP: deviceIP, EOJ: airconEOJ}

func TestNewECHONETLiteHandler_RequiresTransport(t *testing.T) {
	_, err := NewECHONETLiteHandler(context.Background(), HandlerOptions{})
	assert.Error(t, err)
}

func TestECHONETLiteHandler_Read(t *testing.T) {
	h, tr, _ := newTestHandler(t, HandlerOptions{})
	tr.setOnSend(func(dst net.IP, f *echonet_lite.Frame) {
		tr.deliver(t, dst, respond(t, f, echonet_lite.ESVGet_Res,
			echonet_lite.Property{EPC: 0x80, EDT: []byte{0x30}},
			echonet_lite.Property{EPC: 0xBB, EDT: []byte{0x1a}},
		))
	})

	ok, results, err := h.Read(context.Background(), aircon, 0x80, 0xBB)
	require.NoError(t, err)
	assert.True(t, ok)
	want := []PropertyResult{
		{EPC: 0x80, EDT: []byte{0x30}, OK: true},
		{EPC: 0xBB, EDT: []byte{0x1a}, OK: true},
	}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}

	obj, found := h.Devices().Find(aircon)
	require.True(t, found)
	p, _ := obj.Property(0xBB)
	assert.Equal(t, []byte{0x1a}, p.EDT)

	sent := tr.sentFrames()
	require.Len(t, sent, 1)
	req, _ := sent[0].frame.EDATA1()
	assert.Equal(t, echonet_lite.ESVGet, req.ESV)
	assert.Equal(t, controllerEOJ, req.SEOJ)
	assert.Equal(t, airconEOJ, req.DEOJ)
	assert.True(t, sent[0].dst.Equal(deviceIP))
}

func TestECHONETLiteHandler_Read_SNA(t *testing.T) {
	h, tr, _ := newTestHandler(t, HandlerOptions{})
	tr.setOnSend(func(dst net.IP, f *echonet_lite.Frame) {
		tr.deliver(t, dst, respond(t, f, echonet_lite.ESVGet_SNA,
			echonet_lite.Property{EPC: 0x80, EDT: []byte{0x30}},
			echonet_lite.Property{EPC: 0xB0},
		))
	})

	ok, results, err := h.Read(context.Background(), aircon, 0x80, 0xB0)
	require.NoError(t, err)
	assert.False(t, ok)
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)

	obj, _ := h.Devices().Find(aircon)
	p, _ := obj.Property(0x80)
	assert.Equal(t, []byte{0x30}, p.EDT)
	p, _ = obj.Property(0xB0)
	assert.Nil(t, p.EDT, "rejected property is not stored")
}

func TestECHONETLiteHandler_Read_Timeout(t *testing.T) {
	h, _, _ := newTestHandler(t, HandlerOptions{RequestTimeout: 30 * time.Millisecond})

	ok, results, err := h.Read(context.Background(), aircon, 0x80)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, results)
	_, found := h.Devices().Find(aircon)
	assert.False(t, found)
}

func TestECHONETLiteHandler_Write(t *testing.T) {
	tests := []struct {
		name     string
		esv      echonet_lite.ESVType
		returned echonet_lite.Properties
		wantOK   bool
		want     []PropertyResult
	}{
		{
			name:     "accepted",
			esv:      echonet_lite.ESVSet_Res,
			returned: echonet_lite.Properties{{EPC: 0x80}, {EPC: 0xB0}},
			wantOK:   true,
			want: []PropertyResult{
				{EPC: 0x80, EDT: []byte{0x30}, OK: true},
				{EPC: 0xB0, EDT: []byte{0x42}, OK: true},
			},
		},
		{
			name:     "partially rejected",
			esv:      echonet_lite.ESVSetC_SNA,
			returned: echonet_lite.Properties{{EPC: 0x80}, {EPC: 0xB0, EDT: []byte{0x42}}},
			wantOK:   false,
			want: []PropertyResult{
				{EPC: 0x80, EDT: []byte{0x30}, OK: true},
				{EPC: 0xB0, EDT: []byte{0x42}, OK: false},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, tr, _ := newTestHandler(t, HandlerOptions{})
			tr.setOnSend(func(dst net.IP, f *echonet_lite.Frame) {
				tr.deliver(t, dst, respond(t, f, tt.esv, tt.returned...))
			})

			props := echonet_lite.Properties{{EPC: 0x80, EDT: []byte{0x30}}, {EPC: 0xB0, EDT: []byte{0x42}}}
			ok, results, err := h.Write(context.Background(), aircon, props)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if diff := cmp.Diff(tt.want, results); diff != "" {
				t.Errorf("results mismatch (-want +got):\n%s", diff)
			}

			obj, _ := h.Devices().Find(aircon)
			p, _ := obj.Property(0x80)
			assert.Equal(t, []byte{0x30}, p.EDT)
			p, _ = obj.Property(0xB0)
			if tt.wantOK {
				assert.Equal(t, []byte{0x42}, p.EDT)
			} else {
				assert.Nil(t, p.EDT)
			}
		})
	}
}

func TestECHONETLiteHandler_WriteRead(t *testing.T) {
	h, tr, _ := newTestHandler(t, HandlerOptions{})
	tr.setOnSend(func(dst net.IP, f *echonet_lite.Frame) {
		req, _ := f.EDATA1()
		res, err := echonet_lite.NewSetGetEDATA1(req.DEOJ, req.SEOJ, echonet_lite.ESVSetGet_Res,
			echonet_lite.Properties{{EPC: 0x80}},
			echonet_lite.Properties{{EPC: 0xBB, EDT: []byte{0x19}}},
		)
		require.NoError(t, err)
		tr.deliver(t, dst, echonet_lite.NewFrame1(f.TID, res))
	})

	ok, setResults, getResults, err := h.WriteRead(context.Background(), aircon,
		echonet_lite.Properties{{EPC: 0x80, EDT: []byte{0x30}}}, []echonet_lite.EPCType{0xBB})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []PropertyResult{{EPC: 0x80, EDT: []byte{0x30}, OK: true}}, setResults)
	assert.Equal(t, []PropertyResult{{EPC: 0xBB, EDT: []byte{0x19}, OK: true}}, getResults)

	sent := tr.sentFrames()
	require.Len(t, sent, 1)
	req, _ := sent[0].frame.EDATA1()
	assert.Equal(t, echonet_lite.ESVSetGet, req.ESV)
	assert.Len(t, req.SetGetProperties, 1)
}

func TestECHONETLiteHandler_WriteNoResponseAndNotify(t *testing.T) {
	h, tr, _ := newTestHandler(t, HandlerOptions{})

	require.NoError(t, h.WriteNoResponse(context.Background(), aircon, echonet_lite.Properties{{EPC: 0x80, EDT: []byte{0x31}}}))
	require.NoError(t, h.Notify(context.Background(), nil, echonet_lite.NodeProfileObject, echonet_lite.Properties{{EPC: 0x80, EDT: []byte{0x30}}}))

	sent := tr.sentFrames()
	require.Len(t, sent, 2)
	setI, _ := sent[0].frame.EDATA1()
	assert.Equal(t, echonet_lite.ESVSetI, setI.ESV)
	inf, _ := sent[1].frame.EDATA1()
	assert.Equal(t, echonet_lite.ESVINF, inf.ESV)
	assert.Nil(t, sent[1].dst)
	assert.Equal(t, 0, h.Session().PendingCount())
}

func TestECHONETLiteHandler_NotifyWithResponse(t *testing.T) {
	h, tr, _ := newTestHandler(t, HandlerOptions{})
	tr.setOnSend(func(dst net.IP, f *echonet_lite.Frame) {
		tr.deliver(t, dst, respond(t, f, echonet_lite.ESVINFC_Res, echonet_lite.Property{EPC: 0x80}))
	})

	ok, results, err := h.NotifyWithResponse(context.Background(), aircon, echonet_lite.Properties{{EPC: 0x80, EDT: []byte{0x30}}})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, results, 1)
}

func TestECHONETLiteHandler_ValidateWrite(t *testing.T) {
	h, tr, _ := newTestHandler(t, HandlerOptions{ValidateWrites: true})
	node, _ := h.Devices().GetOrCreateNode(deviceIP)
	obj, _ := node.GetOrCreateObject(airconEOJ)

	// マップ取得前はクラス定義の値域だけを検査する
	assert.NoError(t, h.ValidateWrite(aircon, echonet_lite.Properties{{EPC: 0x80, EDT: []byte{0x30}}}))
	assert.ErrorIs(t, h.ValidateWrite(aircon, echonet_lite.Properties{{EPC: 0x80, EDT: []byte{0x99}}}), ErrValueRejected)

	obj.ApplyPropertyMaps(echonet_lite.NewPropertyMap(0x80, 0xB0), echonet_lite.NewPropertyMap(0xB0), nil)
	assert.ErrorIs(t, h.ValidateWrite(aircon, echonet_lite.Properties{{EPC: 0x80, EDT: []byte{0x30}}}), ErrPropertyNotSettable)

	_, _, err := h.Write(context.Background(), aircon, echonet_lite.Properties{{EPC: 0x80, EDT: []byte{0x30}}})
	assert.ErrorIs(t, err, ErrPropertyNotSettable)
	assert.Empty(t, tr.sentFrames(), "rejected write is not sent")
}

func TestECHONETLiteHandler_ReceiveLoopSurvivesMalformedFrames(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	h, tr, _ := newTestHandler(t, HandlerOptions{Metrics: metrics})

	tr.deliverRaw(t, deviceIP, []byte{0x10, 0x81, 0x00})
	tr.deliverRaw(t, deviceIP, []byte{0x20, 0x81, 0x00, 0x01, 0x05, 0xff, 0x01, 0x01, 0x30, 0x01, 0x62, 0x00})
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.FramesReceived.WithLabelValues(FrameDecodeError)))

	// 受信ループは動き続けている
	tr.setOnSend(func(dst net.IP, f *echonet_lite.Frame) {
		tr.deliver(t, dst, respond(t, f, echonet_lite.ESVGet_Res, echonet_lite.Property{EPC: 0x80, EDT: []byte{0x30}}))
	})
	ok, _, err := h.Read(context.Background(), aircon, 0x80)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FramesReceived.WithLabelValues(FrameMatched)))
}

func TestECHONETLiteHandler_LateResponseIsDropped(t *testing.T) {
	h, tr, _ := newTestHandler(t, HandlerOptions{RequestTimeout: 20 * time.Millisecond})

	ok, _, err := h.Read(context.Background(), aircon, 0x80)
	require.NoError(t, err)
	require.False(t, ok)

	sent := tr.sentFrames()
	require.Len(t, sent, 1)
	tr.deliver(t, deviceIP, respond(t, sent[0].frame, echonet_lite.ESVGet_Res, echonet_lite.Property{EPC: 0x80, EDT: []byte{0x30}}))
	assert.Empty(t, h.Devices().Nodes())
}

func TestECHONETLiteHandler_RequestInstanceListNotification(t *testing.T) {
	h, tr, _ := newTestHandler(t, HandlerOptions{})
	require.NoError(t, h.RequestInstanceListNotification(context.Background()))

	sent := tr.sentFrames()
	require.Len(t, sent, 1)
	assert.Nil(t, sent[0].dst)
	req, _ := sent[0].frame.EDATA1()
	assert.Equal(t, echonet_lite.ESVINF_REQ, req.ESV)
	assert.Equal(t, echonet_lite.NodeProfileObject, req.DEOJ)
	assert.Equal(t, echonet_lite.EPCsToProperties(echonet_lite.EPC_NPO_InstanceListNotification), req.Properties)
}

func TestECHONETLiteHandler_BroadcastInstanceList(t *testing.T) {
	h, tr, _ := newTestHandler(t, HandlerOptions{})
	instances := make(echonet_lite.InstanceList, 90)
	for i := range instances {
		instances[i] = echonet_lite.MakeEOJ(echonet_lite.SingleFunctionLighting_ClassCode, echonet_lite.EOJInstanceCode(i+1))
	}
	require.NoError(t, h.BroadcastInstanceList(context.Background(), instances))

	sent := tr.sentFrames()
	require.Len(t, sent, 2)
	first, _ := sent[0].frame.EDATA1()
	second, _ := sent[1].frame.EDATA1()
	assert.Equal(t, byte(84), first.Properties[0].EDT[0])
	assert.Equal(t, byte(6), second.Properties[0].EDT[0])
	assert.Equal(t, echonet_lite.NodeProfileObject, first.SEOJ)
}

// propertyMapResponder はプロパティマップの読み出しに応答する
type propertyMapResponder struct {
	t      *testing.T
	tr     *fakeTransport
	get    map[echonet_lite.EOJ]echonet_lite.PropertyMap
	silent map[echonet_lite.EOJ]bool

	mu    sync.Mutex
	reads map[echonet_lite.EOJ]int
}

func (r *propertyMapResponder) onSend(dst net.IP, f *echonet_lite.Frame) {
	req, ok := f.EDATA1()
	if !ok || req.ESV != echonet_lite.ESVGet {
		return
	}
	r.mu.Lock()
	r.reads[req.DEOJ]++
	silent := r.silent[req.DEOJ]
	r.mu.Unlock()
	if silent {
		return
	}
	get, ok := r.get[req.DEOJ]
	if !ok {
		return
	}
	set := echonet_lite.NewPropertyMap(0x80)
	r.tr.deliver(r.t, dst, respond(r.t, f, echonet_lite.ESVGet_Res,
		echonet_lite.Property{EPC: echonet_lite.EPCGetPropertyMap, EDT: get.Encode()},
		echonet_lite.Property{EPC: echonet_lite.EPCSetPropertyMap, EDT: set.Encode()},
		echonet_lite.Property{EPC: echonet_lite.EPCStatusAnnouncementPropertyMap, EDT: echonet_lite.NewPropertyMap(0x80).Encode()},
	))
}

func (r *propertyMapResponder) readCount(eoj echonet_lite.EOJ) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads[eoj]
}

func instanceListINF(t *testing.T, tid echonet_lite.TIDType, esv echonet_lite.ESVType, instances ...echonet_lite.EOJ) *echonet_lite.Frame {
	t.Helper()
	msg, err := echonet_lite.NewEDATA1(echonet_lite.NodeProfileObject, echonet_lite.NodeProfileObject, esv,
		echonet_lite.Properties{{EPC: echonet_lite.EPC_NPO_InstanceListNotification, EDT: echonet_lite.InstanceList(instances).EDT()}})
	require.NoError(t, err)
	return echonet_lite.NewFrame1(tid, msg)
}

func TestDiscovery_InstanceListAcquiresPropertyMaps(t *testing.T) {
	h, tr, rec := newTestHandler(t, HandlerOptions{})
	responder := &propertyMapResponder{
		t:  t,
		tr: tr,
		get: map[echonet_lite.EOJ]echonet_lite.PropertyMap{
			airconEOJ:   echonet_lite.NewPropertyMap(0x80, 0x9D, 0x9E, 0x9F, 0xB0, 0xB3, 0xBB),
			lightingEOJ: echonet_lite.NewPropertyMap(0x80, 0x9D, 0x9E, 0x9F, 0xB0),
		},
		reads: make(map[echonet_lite.EOJ]int),
	}
	tr.setOnSend(responder.onSend)

	tr.deliver(t, deviceIP, instanceListINF(t, 0x0100, echonet_lite.ESVINF, airconEOJ, lightingEOJ))
	require.Eventually(t, func() bool { return len(rec.ofType(EventInstanceListUpdated)) == 1 }, 2*time.Second, 5*time.Millisecond)

	var sequence []EventType
	for _, e := range rec.ofType(EventInstanceListUpdating, EventPropertyMapAcquiring, EventInstanceListUpdated) {
		sequence = append(sequence, e.Type)
		assert.True(t, e.Node.Equal(deviceIP))
		assert.ElementsMatch(t, []echonet_lite.EOJ{airconEOJ, lightingEOJ}, e.Instances)
	}
	assert.Equal(t, []EventType{EventInstanceListUpdating, EventPropertyMapAcquiring, EventInstanceListUpdated}, sequence)

	node, ok := h.Devices().Node(deviceIP)
	require.True(t, ok)
	objects := node.Objects()
	require.Len(t, objects, 2)
	for _, obj := range objects {
		assert.True(t, obj.MapAcquired(), "%v", obj)
	}
	assert.Len(t, rec.ofType(EventNodeJoined), 1)
	assert.Len(t, rec.ofType(EventObjectsChanged), 2)

	airconObj, _ := node.Object(airconEOJ)
	assert.True(t, airconObj.IsSettable(0x80))
	assert.False(t, airconObj.IsSettable(0xB0))
	p, _ := airconObj.Property(0xBB)
	assert.True(t, p.Readable)

	// 取得済みなので次の通知では読み出さない
	tr.deliver(t, deviceIP, instanceListINF(t, 0x0101, echonet_lite.ESVINF, airconEOJ, lightingEOJ))
	require.Eventually(t, func() bool { return len(rec.ofType(EventInstanceListUpdated)) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, responder.readCount(airconEOJ))
	assert.Equal(t, 1, responder.readCount(lightingEOJ))
	assert.Len(t, rec.ofType(EventObjectsChanged), 2)
}

func TestDiscovery_FailureIsIsolatedPerInstance(t *testing.T) {
	h, tr, rec := newTestHandler(t, HandlerOptions{Discovery: DiscoveryOptions{Timeout: 30 * time.Millisecond, Retries: 1}})
	responder := &propertyMapResponder{
		t:  t,
		tr: tr,
		get: map[echonet_lite.EOJ]echonet_lite.PropertyMap{
			airconEOJ:   echonet_lite.NewPropertyMap(0x80, 0x9F),
			lightingEOJ: echonet_lite.NewPropertyMap(0x80, 0x9F),
		},
		silent: map[echonet_lite.EOJ]bool{lightingEOJ: true},
		reads:  make(map[echonet_lite.EOJ]int),
	}
	tr.setOnSend(responder.onSend)

	tr.deliver(t, deviceIP, instanceListINF(t, 1, echonet_lite.ESVINF, airconEOJ, lightingEOJ))
	require.Eventually(t, func() bool { return len(rec.ofType(EventInstanceListUpdated)) == 1 }, 2*time.Second, 5*time.Millisecond)

	airconObj, _ := h.Devices().Find(aircon)
	lightObj, _ := h.Devices().Find(echonet_lite.IPAndEOJ{IP: deviceIP, EOJ: lightingEOJ})
	assert.True(t, airconObj.MapAcquired())
	assert.False(t, lightObj.MapAcquired())
	assert.Equal(t, 2, responder.readCount(lightingEOJ), "one retry")

	// 次の通知で失敗したものだけ再取得する
	responder.mu.Lock()
	responder.silent = nil
	responder.mu.Unlock()
	tr.deliver(t, deviceIP, instanceListINF(t, 2, echonet_lite.ESVINF, airconEOJ, lightingEOJ))
	require.Eventually(t, lightObj.MapAcquired, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, responder.readCount(airconEOJ))

	// 取得済みのものを含め、通知されたすべてのインスタンスがイベントに載る
	acquiring := rec.ofType(EventPropertyMapAcquiring)
	require.Len(t, acquiring, 2)
	assert.Equal(t, []echonet_lite.EOJ{airconEOJ, lightingEOJ}, acquiring[1].Instances)
}

func TestDiscovery_AcquiringEventCarriesAllInstances(t *testing.T) {
	_, tr, rec := newTestHandler(t, HandlerOptions{})
	responder := &propertyMapResponder{
		t:  t,
		tr: tr,
		get: map[echonet_lite.EOJ]echonet_lite.PropertyMap{
			airconEOJ:   echonet_lite.NewPropertyMap(0x80, 0x9F),
			lightingEOJ: echonet_lite.NewPropertyMap(0x80, 0x9F),
		},
		reads: make(map[echonet_lite.EOJ]int),
	}
	tr.setOnSend(responder.onSend)

	tr.deliver(t, deviceIP, instanceListINF(t, 1, echonet_lite.ESVINF, airconEOJ))
	require.Eventually(t, func() bool { return len(rec.ofType(EventInstanceListUpdated)) == 1 }, 2*time.Second, 5*time.Millisecond)

	tr.deliver(t, deviceIP, instanceListINF(t, 2, echonet_lite.ESVINF, airconEOJ, lightingEOJ))
	require.Eventually(t, func() bool { return len(rec.ofType(EventInstanceListUpdated)) == 2 }, 2*time.Second, 5*time.Millisecond)

	acquiring := rec.ofType(EventPropertyMapAcquiring)
	require.Len(t, acquiring, 2)
	assert.Equal(t, []echonet_lite.EOJ{airconEOJ}, acquiring[0].Instances)
	assert.Equal(t, []echonet_lite.EOJ{airconEOJ, lightingEOJ}, acquiring[1].Instances)
	// 読み出すのは未取得のものだけ
	assert.Equal(t, 1, responder.readCount(airconEOJ))
	assert.Equal(t, 1, responder.readCount(lightingEOJ))
}

func TestDiscovery_INFCIsAnswered(t *testing.T) {
	_, tr, rec := newTestHandler(t, HandlerOptions{})
	tr.deliver(t, deviceIP, instanceListINF(t, 0x1234, echonet_lite.ESVINFC))

	require.Eventually(t, func() bool { return len(rec.ofType(EventInstanceListUpdated)) == 1 }, time.Second, 5*time.Millisecond)
	var reply *sentDatagram
	for _, s := range tr.sentFrames() {
		if d, ok := s.frame.EDATA1(); ok && d.ESV == echonet_lite.ESVINFC_Res {
			reply = &s
		}
	}
	require.NotNil(t, reply)
	assert.Equal(t, echonet_lite.TIDType(0x1234), reply.frame.TID)
	assert.True(t, reply.dst.Equal(deviceIP))
	d, _ := reply.frame.EDATA1()
	assert.Equal(t, echonet_lite.NodeProfileObject, d.DEOJ)
	assert.Equal(t, echonet_lite.Properties{{EPC: echonet_lite.EPC_NPO_InstanceListNotification}}, d.Properties)
}

func TestDiscovery_AnnouncementFromUnknownNode(t *testing.T) {
	h, tr, _ := newTestHandler(t, HandlerOptions{})

	var selfNodeReads atomic.Int32
	responder := &propertyMapResponder{
		t:     t,
		tr:    tr,
		get:   map[echonet_lite.EOJ]echonet_lite.PropertyMap{airconEOJ: echonet_lite.NewPropertyMap(0x80, 0x9F, 0xB0)},
		reads: make(map[echonet_lite.EOJ]int),
	}
	tr.setOnSend(func(dst net.IP, f *echonet_lite.Frame) {
		req, _ := f.EDATA1()
		if req.DEOJ == echonet_lite.NodeProfileObject {
			selfNodeReads.Add(1)
			tr.deliver(t, dst, respond(t, f, echonet_lite.ESVGet_Res,
				echonet_lite.InstanceList{airconEOJ}.SelfNodeInstanceListS()))
			return
		}
		responder.onSend(dst, f)
	})

	msg, err := echonet_lite.NewEDATA1(airconEOJ, echonet_lite.NodeProfileObject, echonet_lite.ESVINF,
		echonet_lite.Properties{{EPC: 0x80, EDT: []byte{0x30}}})
	require.NoError(t, err)
	tr.deliver(t, otherIP, echonet_lite.NewFrame1(9, msg))

	device := echonet_lite.IPAndEOJ{IP: otherIP, EOJ: airconEOJ}
	require.Eventually(t, func() bool {
		obj, ok := h.Devices().Find(device)
		return ok && obj.MapAcquired()
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return selfNodeReads.Load() == 1 }, time.Second, 5*time.Millisecond)

	h.Discovery().Wait()
	obj, _ := h.Devices().Find(device)
	p, _ := obj.Property(0x80)
	assert.Equal(t, []byte{0x30}, p.EDT)
	node, _ := h.Devices().Node(otherIP)
	assert.Len(t, node.Objects(), 1)
}

func TestECHONETLiteHandler_CloseStopsLoop(t *testing.T) {
	h, _, _ := newTestHandler(t, HandlerOptions{})
	require.NoError(t, h.Close())
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("receive loop did not stop")
	}
	assert.NoError(t, h.Err())
	require.NoError(t, h.Close())
}

// linkTransport は接続手順を持つトランスポート
type linkTransport struct {
	*fakeTransport
	mock.Mock
}

func (l *linkTransport) Connect(ctx context.Context) error {
	return l.Called(ctx).Error(0)
}

func (l *linkTransport) Disconnect() error {
	return l.Called().Error(0)
}

func TestECHONETLiteHandler_LinkConnectAndDisconnect(t *testing.T) {
	tr := &linkTransport{fakeTransport: newFakeTransport()}
	tr.On("Connect", mock.Anything).Return(nil).Once()
	tr.On("Disconnect").Return(nil).Once()

	h, err := NewECHONETLiteHandler(context.Background(), HandlerOptions{Transport: tr, Lookup: catalog.Default()})
	require.NoError(t, err)
	require.NoError(t, h.Start())
	require.NoError(t, h.Close())
	tr.AssertExpectations(t)
}

func TestECHONETLiteHandler_LinkConnectFailure(t *testing.T) {
	tr := &linkTransport{fakeTransport: newFakeTransport()}
	tr.On("Connect", mock.Anything).Return(errors.New("pana failed")).Once()
	tr.On("Disconnect").Return(nil).Maybe()

	h, err := NewECHONETLiteHandler(context.Background(), HandlerOptions{Transport: tr, Lookup: catalog.Default()})
	require.NoError(t, err)
	assert.ErrorContains(t, h.Start(), "pana failed")
	select {
	case <-h.Done():
	default:
		t.Fatal("Done must be closed when Connect fails")
	}
	require.NoError(t, h.Close())
	tr.AssertExpectations(t)
}
