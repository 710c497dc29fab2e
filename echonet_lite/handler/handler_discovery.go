package handler

import (
	"context"
	"echonet-controller/echonet_lite"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	DefaultPropertyMapTimeout = 3 * time.Second
	DefaultPropertyMapRetries = 2
)

var ErrNoResponse = errors.New("no response")

// propertyMapEPCs はプロパティマップ取得で読み出す EPC
var propertyMapEPCs = []echonet_lite.EPCType{
	echonet_lite.EPCGetPropertyMap,
	echonet_lite.EPCSetPropertyMap,
	echonet_lite.EPCStatusAnnouncementPropertyMap,
}

type DiscoveryOptions struct {
	Timeout time.Duration // プロパティマップ読み出し1回のタイムアウト
	Retries int           // タイムアウト時の再送回数
}

// Discovery はインスタンスリストの通知を受けてオブジェクトを作成し、プロパティマップを取得します。
// 同じノードの処理は直列に、異なるノードの処理は並行に行います。
type Discovery struct {
	ctx     context.Context
	session *Session
	devices *Devices
	seoj    echonet_lite.EOJ
	opts    DiscoveryOptions
	metrics *Metrics

	mu        sync.Mutex
	nodeLocks map[string]*sync.Mutex
	wg        sync.WaitGroup
}

func NewDiscovery(ctx context.Context, session *Session, devices *Devices, seoj echonet_lite.EOJ, opts DiscoveryOptions, metrics *Metrics) *Discovery {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultPropertyMapTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Discovery{
		ctx:       ctx,
		session:   session,
		devices:   devices,
		seoj:      seoj,
		opts:      opts,
		metrics:   metrics,
		nodeLocks: make(map[string]*sync.Mutex),
	}
}

func (d *Discovery) nodeLock(ip net.IP) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := ip.String()
	l, ok := d.nodeLocks[key]
	if !ok {
		l = &sync.Mutex{}
		d.nodeLocks[key] = l
	}
	return l
}

// goAsync は受信ループを止めないよう別 goroutine で処理する
func (d *Discovery) goAsync(fn func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn(d.ctx)
	}()
}

// Wait は実行中の処理の完了を待つ
func (d *Discovery) Wait() {
	d.wg.Wait()
}

// HandleFrame は応答待ちに該当しなかったフレームを処理します
func (d *Discovery) HandleFrame(src net.IP, frame *echonet_lite.Frame) {
	msg, ok := frame.EDATA1()
	if !ok {
		slog.Debug("形式2の電文は処理しません", "from", src)
		return
	}
	if err := msg.Conformance(); err != nil {
		slog.Warn("規格に適合しない電文を無視します", "from", src, "err", err)
		return
	}

	switch msg.ESV {
	case echonet_lite.ESVINF, echonet_lite.ESVINFC:
	default:
		if msg.ESV.IsResponse() || msg.ESV.IsSNA() {
			slog.Debug("対応する要求のない応答を破棄しました", "from", src, "tid", frame.TID, "esv", msg.ESV)
		} else {
			slog.Debug("要求には応答しません", "from", src, "esv", msg.ESV)
		}
		return
	}

	node, created := d.devices.GetOrCreateNode(src)
	if msg.ESV == echonet_lite.ESVINFC {
		d.replyINFC(src, frame.TID, msg)
	}

	if msg.SEOJ.ClassCode() == echonet_lite.NodeProfile_ClassCode {
		if list, ok := instanceListOf(msg); ok {
			d.goAsync(func(ctx context.Context) {
				d.ProcessInstanceList(ctx, node, list)
			})
			return
		}
	} else {
		d.onDeviceAnnouncement(node, msg)
	}

	if created {
		// 未知のノードなのでインスタンスリストを問い合わせる
		d.goAsync(func(ctx context.Context) {
			if err := d.RequestSelfNodeInstanceList(ctx, src); err != nil {
				slog.Warn("インスタンスリストの取得に失敗", "ip", src, "err", err)
			}
		})
	}
}

// instanceListOf は通知に含まれる 0xD5 または 0xD6 をデコードする
func instanceListOf(msg *echonet_lite.EDATA1) (echonet_lite.InstanceList, bool) {
	for _, epc := range []echonet_lite.EPCType{echonet_lite.EPC_NPO_InstanceListNotification, echonet_lite.EPC_NPO_SelfNodeInstanceListS} {
		p, ok := msg.Properties.FindEPC(epc)
		if !ok || len(p.EDT) == 0 {
			continue
		}
		list, err := echonet_lite.DecodeInstanceList(p.EDT)
		if err != nil {
			slog.Warn("インスタンスリストのデコードに失敗", "epc", epc, "err", err)
			continue
		}
		return list, true
	}
	return nil, false
}

// onDeviceAnnouncement は機器オブジェクトからの通知の値を保存し、必要ならプロパティマップを取得する
func (d *Discovery) onDeviceAnnouncement(node *Node, msg *echonet_lite.EDATA1) {
	obj, _ := node.GetOrCreateObject(msg.SEOJ)
	for _, p := range msg.Properties {
		if len(p.EDT) == 0 {
			continue
		}
		obj.SetPropertyValue(p.EPC, p.EDT)
	}
	if obj.MapAcquired() {
		return
	}
	d.goAsync(func(ctx context.Context) {
		lock := d.nodeLock(node.IP)
		lock.Lock()
		defer lock.Unlock()
		if obj.MapAcquired() {
			return
		}
		if err := d.AcquirePropertyMap(ctx, obj); err != nil {
			slog.Warn("プロパティマップの取得に失敗", "device", obj, "err", err)
		}
	})
}

func (d *Discovery) replyINFC(src net.IP, tid echonet_lite.TIDType, msg *echonet_lite.EDATA1) {
	seoj := msg.DEOJ
	if seoj.IsAllInstances() {
		seoj = d.seoj
	}
	props := make(echonet_lite.Properties, 0, len(msg.Properties))
	for _, p := range msg.Properties {
		props = append(props, echonet_lite.Property{EPC: p.EPC})
	}
	res, err := echonet_lite.NewEDATA1(seoj, msg.SEOJ, echonet_lite.ESVINFC_Res, props)
	if err != nil {
		slog.Error("INFC_Res の作成に失敗", "err", err)
		return
	}
	if err := d.session.Reply(src, tid, res); err != nil {
		slog.Warn("INFC_Res の送信に失敗", "to", src, "err", err)
	}
}

// ProcessInstanceList はインスタンスリストのオブジェクトを作成し、
// プロパティマップ未取得のオブジェクトについて並行に取得します。
// 1つのオブジェクトで失敗しても他には影響せず、失敗したものは次の通知で再取得されます。
func (d *Discovery) ProcessInstanceList(ctx context.Context, node *Node, instances echonet_lite.InstanceList) {
	lock := d.nodeLock(node.IP)
	lock.Lock()
	defer lock.Unlock()

	d.metrics.discoveryRun()
	bus := d.devices.Events()

	objects := make([]*ObjectInstance, 0, len(instances))
	eojs := make([]echonet_lite.EOJ, 0, len(instances))
	for _, eoj := range instances {
		obj, _ := node.GetOrCreateObject(eoj)
		objects = append(objects, obj)
		eojs = append(eojs, eoj)
	}
	bus.Publish(Event{Type: EventInstanceListUpdating, Node: node.IP, Instances: eojs})

	var pending []*ObjectInstance
	for _, obj := range objects {
		if !obj.MapAcquired() {
			pending = append(pending, obj)
		}
	}
	slog.Debug("プロパティマップを取得します", "ip", node.IP, "instances", len(eojs), "pending", len(pending))
	bus.Publish(Event{Type: EventPropertyMapAcquiring, Node: node.IP, Instances: eojs})

	var wg sync.WaitGroup
	for _, obj := range pending {
		wg.Add(1)
		go func(obj *ObjectInstance) {
			defer wg.Done()
			if err := d.AcquirePropertyMap(ctx, obj); err != nil {
				slog.Warn("プロパティマップの取得に失敗", "device", obj, "err", err)
			}
		}(obj)
	}
	wg.Wait()

	slog.Info("インスタンスリストを処理しました", "ip", node.IP, "instances", len(eojs), "acquiring", len(pending))
	bus.Publish(Event{Type: EventInstanceListUpdated, Node: node.IP, Instances: eojs})
}

// AcquirePropertyMap はオブジェクトの Get/Set/状変アナウンス プロパティマップを読み出して適用します。
// Get プロパティマップが得られれば取得済みになります。Set と状変アナウンスは無ければ空として扱います。
func (d *Discovery) AcquirePropertyMap(ctx context.Context, obj *ObjectInstance) error {
	req, err := echonet_lite.NewEDATA1(d.seoj, obj.EOJ, echonet_lite.ESVGet, echonet_lite.EPCsToProperties(propertyMapEPCs...))
	if err != nil {
		return err
	}
	res, err := d.session.RequestWithRetry(ctx, obj.IP, req, NewResponseMatcher(req, obj.IP), d.opts.Timeout, d.opts.Retries)
	if err != nil {
		d.metrics.propertyMap(false)
		return err
	}
	if res.TimedOut {
		d.metrics.propertyMap(false)
		return fmt.Errorf("%v: %w", obj.Device(), ErrNoResponse)
	}
	resp := res.EDATA1()

	propMaps := make(map[echonet_lite.EPCType]echonet_lite.PropertyMap, len(propertyMapEPCs))
	for _, p := range resp.Properties {
		if !p.EPC.IsPropertyMap() || len(p.EDT) == 0 {
			continue
		}
		m, err := echonet_lite.DecodePropertyMap(p.EDT)
		if err != nil {
			slog.Warn("プロパティマップのデコードに失敗", "device", obj, "epc", p.EPC, "err", err)
			continue
		}
		obj.SetPropertyValue(p.EPC, p.EDT)
		propMaps[p.EPC] = m
	}

	get, ok := propMaps[echonet_lite.EPCGetPropertyMap]
	if !ok {
		d.metrics.propertyMap(false)
		return fmt.Errorf("%v: Get property map not available (ESV %v)", obj.Device(), resp.ESV)
	}
	obj.ApplyPropertyMaps(get, propMaps[echonet_lite.EPCSetPropertyMap], propMaps[echonet_lite.EPCStatusAnnouncementPropertyMap])
	d.metrics.propertyMap(true)
	slog.Debug("プロパティマップを取得しました", "device", obj, "get", get)
	return nil
}

// RequestSelfNodeInstanceList はノードプロファイルの 0xD6 を読み出してインスタンスリストを処理します
func (d *Discovery) RequestSelfNodeInstanceList(ctx context.Context, ip net.IP) error {
	req, err := echonet_lite.NewEDATA1(d.seoj, echonet_lite.NodeProfileObject, echonet_lite.ESVGet,
		echonet_lite.EPCsToProperties(echonet_lite.EPC_NPO_SelfNodeInstanceListS))
	if err != nil {
		return err
	}
	res, err := d.session.RequestWithRetry(ctx, ip, req, NewResponseMatcher(req, ip), d.opts.Timeout, d.opts.Retries)
	if err != nil {
		return err
	}
	if res.TimedOut {
		return fmt.Errorf("%v: %w", ip, ErrNoResponse)
	}
	list, ok := instanceListOf(res.EDATA1())
	if !ok {
		return fmt.Errorf("%v: self-node instance list not available", ip)
	}
	node, _ := d.devices.GetOrCreateNode(ip)
	d.ProcessInstanceList(ctx, node, list)
	return nil
}
