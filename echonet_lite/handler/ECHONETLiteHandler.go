package handler

import (
	"context"
	"echonet-controller/echonet_lite"
	"echonet-controller/echonet_lite/catalog"
	"echonet-controller/echonet_lite/network"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const DefaultRequestTimeout = 5 * time.Second

var (
	ErrPropertyNotSettable = errors.New("property is not settable")
	ErrValueRejected       = errors.New("value rejected by property definition")
)

type HandlerOptions struct {
	Transport network.Transport
	Lookup    catalog.Lookup   // nil のときはクラス定義なし
	SEOJ      echonet_lite.EOJ // 0 のときはコントローラ 05FF01
	// RequestTimeout は Read/Write などの1回の要求のタイムアウト
	RequestTimeout time.Duration
	Discovery      DiscoveryOptions
	// ValidateWrites が true の場合、Write の前に ValidateWrite で検査する
	ValidateWrites bool
	TIDModulus     int
	Metrics        *Metrics
}

// PropertyResult はプロパティごとの結果です。
// 読み出しでは得られた値、書き込みでは受理された値 (拒否された場合は相手が返した値) を持ちます。
type PropertyResult struct {
	EPC echonet_lite.EPCType
	EDT []byte
	OK  bool
}

// ECHONETLiteHandler は、ECHONET Lite の通信処理を担当する構造体
// 受信ループを持ち、応答の対応付けはセッションに、それ以外の受信は探索処理に渡す
type ECHONETLiteHandler struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport      network.Transport
	session        *Session
	devices        *Devices
	discovery      *Discovery
	lookup         catalog.Lookup
	seoj           echonet_lite.EOJ
	requestTimeout time.Duration
	validateWrites bool
	metrics        *Metrics

	startOnce  sync.Once
	closeOnce  sync.Once
	listenDone chan struct{}
	listenErr  error
}

// NewECHONETLiteHandler は、ECHONETLiteHandler の新しいインスタンスを作成する
// 受信を始めるには Start を呼ぶ
func NewECHONETLiteHandler(ctx context.Context, opts HandlerOptions) (*ECHONETLiteHandler, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	seoj := opts.SEOJ
	if seoj == 0 {
		seoj = echonet_lite.MakeEOJ(echonet_lite.Controller_ClassCode, 1)
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	handlerCtx, cancel := context.WithCancel(ctx)
	session := NewSession(opts.Transport, SessionOptions{TIDModulus: opts.TIDModulus, Metrics: opts.Metrics})
	devices := NewDevices(opts.Lookup, NewEventBus())
	discovery := NewDiscovery(handlerCtx, session, devices, seoj, opts.Discovery, opts.Metrics)

	return &ECHONETLiteHandler{
		ctx:            handlerCtx,
		cancel:         cancel,
		transport:      opts.Transport,
		session:        session,
		devices:        devices,
		discovery:      discovery,
		lookup:         opts.Lookup,
		seoj:           seoj,
		requestTimeout: timeout,
		validateWrites: opts.ValidateWrites,
		metrics:        opts.Metrics,
		listenDone:     make(chan struct{}),
	}, nil
}

func (h *ECHONETLiteHandler) Session() *Session     { return h.session }
func (h *ECHONETLiteHandler) Devices() *Devices     { return h.devices }
func (h *ECHONETLiteHandler) Discovery() *Discovery { return h.discovery }
func (h *ECHONETLiteHandler) SEOJ() echonet_lite.EOJ {
	return h.seoj
}

// Subscribe はイベントの Observer を登録し、登録解除の関数を返す
func (h *ECHONETLiteHandler) Subscribe(o Observer) func() {
	return h.devices.Events().Subscribe(o)
}

// Start は受信ループを開始します。
// トランスポートが network.Link の場合は先に Connect します。
func (h *ECHONETLiteHandler) Start() error {
	var err error
	h.startOnce.Do(func() {
		if link, ok := h.transport.(network.Link); ok {
			if err = link.Connect(h.ctx); err != nil {
				err = fmt.Errorf("接続に失敗: %w", err)
				close(h.listenDone)
				return
			}
		}
		go func() {
			defer close(h.listenDone)
			if err := h.transport.Listen(h.ctx, h.onReceive); err != nil && !errors.Is(err, network.ErrTransportClosed) {
				slog.Error("受信ループが終了しました", "err", err)
				h.listenErr = err
			}
		}()
	})
	return err
}

// Done は受信ループが終了すると閉じられる
func (h *ECHONETLiteHandler) Done() <-chan struct{} {
	return h.listenDone
}

// Err は受信ループがエラーで終了した場合にそのエラーを返す。Done が閉じられた後に呼ぶ
func (h *ECHONETLiteHandler) Err() error {
	return h.listenErr
}

func (h *ECHONETLiteHandler) onReceive(src net.IP, data []byte) {
	frame, err := echonet_lite.Decode(data)
	if err != nil {
		h.metrics.frameReceived(FrameDecodeError)
		slog.Warn("受信データのデコードに失敗", "from", src, "err", err, "data", hex.EncodeToString(data))
		return
	}
	slog.Debug("受信", "from", src, "frame", frame)
	if h.session.Dispatch(src, frame) {
		h.metrics.frameReceived(FrameMatched)
		return
	}
	h.metrics.frameReceived(FrameUnsolicited)
	h.discovery.HandleFrame(src, frame)
}

// Close は受信ループを止め、応答待ちの要求を終了させ、トランスポートを閉じます
func (h *ECHONETLiteHandler) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.cancel()
		_ = h.session.Close()
		if link, ok := h.transport.(network.Link); ok {
			if e := link.Disconnect(); e != nil {
				slog.Warn("切断に失敗", "err", e)
			}
		}
		err = h.transport.Close()
		h.startOnce.Do(func() { close(h.listenDone) })
		<-h.listenDone
		h.discovery.Wait()
	})
	return err
}

func (h *ECHONETLiteHandler) request(ctx context.Context, dst net.IP, req *echonet_lite.EDATA1) (Result, error) {
	return h.session.SendAndWait(ctx, dst, req, NewResponseMatcher(req, dst), h.requestTimeout)
}

// objectFor は応答元のオブジェクトを返す (なければ作成する)
func (h *ECHONETLiteHandler) objectFor(ip net.IP, eoj echonet_lite.EOJ) *ObjectInstance {
	node, _ := h.devices.GetOrCreateNode(ip)
	obj, _ := node.GetOrCreateObject(eoj)
	return obj
}

// readResults は読み出し結果をまとめ、得られた値をグラフに保存する
func (h *ECHONETLiteHandler) readResults(from net.IP, resp *echonet_lite.EDATA1, props echonet_lite.Properties) []PropertyResult {
	obj := h.objectFor(from, resp.SEOJ)
	results := make([]PropertyResult, 0, len(props))
	for _, p := range props {
		// 不可応答では読めなかったプロパティの PDC が 0 になる
		ok := !resp.ESV.IsSNA() || len(p.EDT) > 0
		if ok {
			obj.SetPropertyValue(p.EPC, p.EDT)
		}
		results = append(results, PropertyResult{EPC: p.EPC, EDT: p.EDT, OK: ok})
	}
	return results
}

// writeResults は書き込み結果をまとめ、受理された値をグラフに保存する
func (h *ECHONETLiteHandler) writeResults(from net.IP, resp *echonet_lite.EDATA1, requested, returned echonet_lite.Properties) []PropertyResult {
	obj := h.objectFor(from, resp.SEOJ)
	results := make([]PropertyResult, 0, len(returned))
	for _, p := range returned {
		// 受理されたプロパティは PDC 0、拒否されたものは要求の値がそのまま返る
		if len(p.EDT) > 0 {
			results = append(results, PropertyResult{EPC: p.EPC, EDT: p.EDT, OK: false})
			continue
		}
		value, _ := requested.FindEPC(p.EPC)
		obj.SetPropertyValue(p.EPC, value.EDT)
		results = append(results, PropertyResult{EPC: p.EPC, EDT: value.EDT, OK: true})
	}
	return results
}

// Read はプロパティ値を読み出します (Get)。
// 不可応答は success=false で、プロパティごとの結果で読めたものが分かります。
// タイムアウトは success=false でエラーは nil です。
func (h *ECHONETLiteHandler) Read(ctx context.Context, device echonet_lite.IPAndEOJ, epcs ...echonet_lite.EPCType) (bool, []PropertyResult, error) {
	req, err := echonet_lite.NewEDATA1(h.seoj, device.EOJ, echonet_lite.ESVGet, echonet_lite.EPCsToProperties(epcs...))
	if err != nil {
		return false, nil, err
	}
	res, err := h.request(ctx, device.IP, req)
	if err != nil || res.TimedOut {
		return false, nil, err
	}
	resp := res.EDATA1()
	return !resp.ESV.IsSNA(), h.readResults(res.From, resp, resp.Properties), nil
}

// WriteNoResponse はプロパティ値を書き込みます (SetI)。応答は待ちません。
func (h *ECHONETLiteHandler) WriteNoResponse(ctx context.Context, device echonet_lite.IPAndEOJ, props echonet_lite.Properties) error {
	if err := h.checkWrite(device, props); err != nil {
		return err
	}
	req, err := echonet_lite.NewEDATA1(h.seoj, device.EOJ, echonet_lite.ESVSetI, props)
	if err != nil {
		return err
	}
	_, err = h.session.Send(ctx, device.IP, req)
	return err
}

// Write はプロパティ値を書き込みます (SetC)。
// 受理されたプロパティの値はグラフに保存されます。
func (h *ECHONETLiteHandler) Write(ctx context.Context, device echonet_lite.IPAndEOJ, props echonet_lite.Properties) (bool, []PropertyResult, error) {
	if err := h.checkWrite(device, props); err != nil {
		return false, nil, err
	}
	req, err := echonet_lite.NewEDATA1(h.seoj, device.EOJ, echonet_lite.ESVSetC, props)
	if err != nil {
		return false, nil, err
	}
	res, err := h.request(ctx, device.IP, req)
	if err != nil || res.TimedOut {
		return false, nil, err
	}
	resp := res.EDATA1()
	return !resp.ESV.IsSNA(), h.writeResults(res.From, resp, props, resp.Properties), nil
}

// WriteRead は書き込みと読み出しを1回の要求で行います (SetGet)。
func (h *ECHONETLiteHandler) WriteRead(ctx context.Context, device echonet_lite.IPAndEOJ, setProps echonet_lite.Properties, getEPCs []echonet_lite.EPCType) (bool, []PropertyResult, []PropertyResult, error) {
	if err := h.checkWrite(device, setProps); err != nil {
		return false, nil, nil, err
	}
	req, err := echonet_lite.NewSetGetEDATA1(h.seoj, device.EOJ, echonet_lite.ESVSetGet, setProps, echonet_lite.EPCsToProperties(getEPCs...))
	if err != nil {
		return false, nil, nil, err
	}
	res, err := h.request(ctx, device.IP, req)
	if err != nil || res.TimedOut {
		return false, nil, nil, err
	}
	resp := res.EDATA1()
	setResults := h.writeResults(res.From, resp, setProps, resp.Properties)
	getResults := h.readResults(res.From, resp, resp.SetGetProperties)
	return !resp.ESV.IsSNA(), setResults, getResults, nil
}

// Notify は自オブジェクトのプロパティを通知します (INF)。dst が nil の場合はマルチキャストです。
func (h *ECHONETLiteHandler) Notify(ctx context.Context, dst net.IP, deoj echonet_lite.EOJ, props echonet_lite.Properties) error {
	msg, err := echonet_lite.NewEDATA1(h.seoj, deoj, echonet_lite.ESVINF, props)
	if err != nil {
		return err
	}
	_, err = h.session.Send(ctx, dst, msg)
	return err
}

// NotifyWithResponse は応答要の通知を送り、INFC_Res を待ちます (INFC)
func (h *ECHONETLiteHandler) NotifyWithResponse(ctx context.Context, device echonet_lite.IPAndEOJ, props echonet_lite.Properties) (bool, []PropertyResult, error) {
	msg, err := echonet_lite.NewEDATA1(h.seoj, device.EOJ, echonet_lite.ESVINFC, props)
	if err != nil {
		return false, nil, err
	}
	res, err := h.request(ctx, device.IP, msg)
	if err != nil || res.TimedOut {
		return false, nil, err
	}
	resp := res.EDATA1()
	results := make([]PropertyResult, 0, len(resp.Properties))
	for _, p := range resp.Properties {
		results = append(results, PropertyResult{EPC: p.EPC, EDT: p.EDT, OK: true})
	}
	return true, results, nil
}

// RequestInstanceListNotification はマルチキャストでインスタンスリスト通知 (0xD5) を要求します。
// 各ノードからの通知は探索処理で受け取ります。
func (h *ECHONETLiteHandler) RequestInstanceListNotification(ctx context.Context) error {
	msg, err := echonet_lite.NewEDATA1(h.seoj, echonet_lite.NodeProfileObject, echonet_lite.ESVINF_REQ,
		echonet_lite.EPCsToProperties(echonet_lite.EPC_NPO_InstanceListNotification))
	if err != nil {
		return err
	}
	return h.session.Broadcast(ctx, msg)
}

// BroadcastInstanceList は自ノードのインスタンスリストをマルチキャストで通知します。
// 84個を超える場合は複数の電文に分けます。
func (h *ECHONETLiteHandler) BroadcastInstanceList(ctx context.Context, instances echonet_lite.InstanceList) error {
	for _, prop := range instances.InstanceListNotification() {
		msg, err := echonet_lite.NewEDATA1(echonet_lite.NodeProfileObject, echonet_lite.NodeProfileObject, echonet_lite.ESVINF, echonet_lite.Properties{prop})
		if err != nil {
			return err
		}
		if err := h.session.Broadcast(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// AcquirePropertyMap はオブジェクトのプロパティマップを取得します
func (h *ECHONETLiteHandler) AcquirePropertyMap(ctx context.Context, device echonet_lite.IPAndEOJ) error {
	return h.discovery.AcquirePropertyMap(ctx, h.objectFor(device.IP, device.EOJ))
}

func (h *ECHONETLiteHandler) checkWrite(device echonet_lite.IPAndEOJ, props echonet_lite.Properties) error {
	if !h.validateWrites {
		return nil
	}
	return h.ValidateWrite(device, props)
}

// ValidateWrite は書き込み前の検査です。
// 取得済みの Set プロパティマップにない EPC は ErrPropertyNotSettable、
// クラス定義の値域に合わない値は ErrValueRejected になります。
func (h *ECHONETLiteHandler) ValidateWrite(device echonet_lite.IPAndEOJ, props echonet_lite.Properties) error {
	var class catalog.Class
	obj, found := h.devices.Find(device)
	if found {
		class = obj.Class
	} else if h.lookup != nil {
		class, _ = h.lookup.Lookup(device.EOJ.ClassCode())
	}
	for _, p := range props {
		if found && obj.MapAcquired() && !obj.IsSettable(p.EPC) {
			return fmt.Errorf("%v %v: %w", device, p.EPC.StringForClass(device.EOJ.ClassCode()), ErrPropertyNotSettable)
		}
		if rule, ok := class.Rule(p.EPC); ok && !rule.Accepts(p.EDT) {
			return fmt.Errorf("%v %v=%X: %w", device, p.EPC.StringForClass(device.EOJ.ClassCode()), p.EDT, ErrValueRejected)
		}
	}
	return nil
}
