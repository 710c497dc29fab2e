package handler

import (
	"bytes"
	"cmp"
	"echonet-controller/echonet_lite"
	"echonet-controller/echonet_lite/catalog"
	"maps"
	"net"
	"slices"
	"sync"
	"time"
)

type NodeID int
type ObjectID int

// PropertyInstance はオブジェクトが持つプロパティの値とアクセスルールです。
// 取得したものはコピーなので変更しても元には影響しません。
type PropertyInstance struct {
	EPC          echonet_lite.EPCType `json:"epc"`
	Name         string               `json:"name,omitempty"`
	EDT          []byte               `json:"edt,omitempty"`
	Readable     bool                 `json:"readable"`
	Writable     bool                 `json:"writable"`
	Announceable bool                 `json:"announceable"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

func (p *PropertyInstance) clone() PropertyInstance {
	c := *p
	c.EDT = bytes.Clone(p.EDT)
	return c
}

// ObjectInstance はノード上のECHONETオブジェクトです
type ObjectInstance struct {
	ID    ObjectID
	IP    net.IP
	EOJ   echonet_lite.EOJ
	Class catalog.Class // 作成時に Lookup した定義。変更されない

	bus *EventBus

	// publishMu は変更と通知の順序を揃える。mu より先に取る
	publishMu   sync.Mutex
	mu          sync.RWMutex
	properties  map[echonet_lite.EPCType]*PropertyInstance
	mapAcquired bool
	getMap      echonet_lite.PropertyMap
	setMap      echonet_lite.PropertyMap
	announceMap echonet_lite.PropertyMap
}

func newObjectInstance(ip net.IP, eoj echonet_lite.EOJ, class catalog.Class, bus *EventBus) *ObjectInstance {
	o := &ObjectInstance{
		IP:         ip,
		EOJ:        eoj,
		Class:      class,
		bus:        bus,
		properties: make(map[echonet_lite.EPCType]*PropertyInstance, len(class.Properties)),
	}
	for _, rule := range class.Properties {
		o.properties[rule.EPC] = &PropertyInstance{
			EPC:          rule.EPC,
			Name:         rule.Name,
			Readable:     rule.Readable,
			Writable:     rule.Writable,
			Announceable: rule.Announceable,
		}
	}
	return o
}

func (o *ObjectInstance) Device() echonet_lite.IPAndEOJ {
	return echonet_lite.IPAndEOJ{IP: o.IP, EOJ: o.EOJ}
}

func (o *ObjectInstance) String() string {
	return o.Device().String()
}

// Property はプロパティのコピーを返す
func (o *ObjectInstance) Property(epc echonet_lite.EPCType) (PropertyInstance, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.properties[epc]
	if !ok {
		return PropertyInstance{}, false
	}
	return p.clone(), true
}

// Properties は EPC 昇順のプロパティのコピーを返す
func (o *ObjectInstance) Properties() []PropertyInstance {
	o.mu.RLock()
	defer o.mu.RUnlock()
	result := make([]PropertyInstance, 0, len(o.properties))
	for _, epc := range slices.Sorted(maps.Keys(o.properties)) {
		result = append(result, o.properties[epc].clone())
	}
	return result
}

// SetPropertyValue は値を設定し、値が変化したかどうかを返します。
// 未知の EPC は追加され、PropertiesChanged が発行されます。
// 値が変化した場合だけ PropertyValueChanged が発行されます。
func (o *ObjectInstance) SetPropertyValue(epc echonet_lite.EPCType, EDT []byte) bool {
	if EDT == nil {
		EDT = []byte{}
	}
	var events []Event
	o.publishMu.Lock()
	defer o.publishMu.Unlock()
	o.mu.Lock()
	p, ok := o.properties[epc]
	if !ok {
		p = &PropertyInstance{EPC: epc}
		if rule, found := o.Class.Rule(epc); found {
			p.Name = rule.Name
		}
		o.properties[epc] = p
		events = append(events, Event{Type: EventPropertiesChanged, Node: o.IP, EOJ: o.EOJ, EPC: epc})
	}
	p.UpdatedAt = time.Now()
	// 未取得 (nil) と空の値は区別する
	changed := p.EDT == nil || !bytes.Equal(p.EDT, EDT)
	if changed {
		old := p.EDT
		p.EDT = bytes.Clone(EDT)
		events = append(events, Event{
			Type:     EventPropertyValueChanged,
			Node:     o.IP,
			EOJ:      o.EOJ,
			EPC:      epc,
			OldValue: old,
			NewValue: bytes.Clone(p.EDT),
		})
	}
	o.mu.Unlock()

	o.bus.publishAll(events)
	return changed
}

// SetProperties は複数のプロパティ値を設定し、変化した EPC を返す
func (o *ObjectInstance) SetProperties(props echonet_lite.Properties) []echonet_lite.EPCType {
	var changed []echonet_lite.EPCType
	for _, p := range props {
		if o.SetPropertyValue(p.EPC, p.EDT) {
			changed = append(changed, p.EPC)
		}
	}
	return changed
}

// ApplyPropertyMaps は取得したプロパティマップでアクセス可否を更新します。
// マップにあって定義にないプロパティは追加されます。nil のマップは空として扱います。
func (o *ObjectInstance) ApplyPropertyMaps(get, set, announce echonet_lite.PropertyMap) {
	var events []Event
	o.publishMu.Lock()
	defer o.publishMu.Unlock()
	o.mu.Lock()
	all := make(map[echonet_lite.EPCType]struct{})
	for _, m := range []echonet_lite.PropertyMap{get, set, announce} {
		maps.Copy(all, m)
	}
	for _, epc := range slices.Sorted(maps.Keys(all)) {
		if _, ok := o.properties[epc]; ok {
			continue
		}
		p := &PropertyInstance{EPC: epc}
		if rule, found := o.Class.Rule(epc); found {
			p.Name = rule.Name
		}
		o.properties[epc] = p
		events = append(events, Event{Type: EventPropertiesChanged, Node: o.IP, EOJ: o.EOJ, EPC: epc})
	}
	for epc, p := range o.properties {
		p.Readable = get.Has(epc)
		p.Writable = set.Has(epc)
		p.Announceable = announce.Has(epc)
	}
	o.getMap = maps.Clone(get)
	o.setMap = maps.Clone(set)
	o.announceMap = maps.Clone(announce)
	o.mapAcquired = true
	o.mu.Unlock()

	o.bus.publishAll(events)
}

// MapAcquired はプロパティマップを取得済みかどうかを返す
func (o *ObjectInstance) MapAcquired() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.mapAcquired
}

// PropertyMaps は取得済みの Get/Set/状変アナウンス プロパティマップのコピーを返す
func (o *ObjectInstance) PropertyMaps() (get, set, announce echonet_lite.PropertyMap) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return maps.Clone(o.getMap), maps.Clone(o.setMap), maps.Clone(o.announceMap)
}

// IsSettable は EPC が書き込み可能かを返します。
// プロパティマップ取得前は定義上の Writable を使います。
func (o *ObjectInstance) IsSettable(epc echonet_lite.EPCType) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.mapAcquired {
		return o.setMap.Has(epc)
	}
	p, ok := o.properties[epc]
	return ok && p.Writable
}

// Node はネットワークアドレスで識別されるECHONET Liteノードです
type Node struct {
	ID NodeID
	IP net.IP

	devices *Devices

	mu      sync.Mutex
	objects map[echonet_lite.EOJ]*ObjectInstance
}

// GetOrCreateObject はオブジェクトを返し、なければ作成します。
// 作成時はクラス定義のプロパティを値なしで持ち、ObjectsChanged を1回だけ発行します。
func (n *Node) GetOrCreateObject(eoj echonet_lite.EOJ) (*ObjectInstance, bool) {
	n.mu.Lock()
	if o, ok := n.objects[eoj]; ok {
		n.mu.Unlock()
		return o, false
	}
	class := n.devices.lookupClass(eoj.ClassCode())
	o := newObjectInstance(n.IP, eoj, class, n.devices.bus)
	n.devices.registerObject(o)
	n.objects[eoj] = o
	n.mu.Unlock()

	n.devices.bus.Publish(Event{Type: EventObjectsChanged, Node: n.IP, EOJ: eoj})
	return o, true
}

func (n *Node) Object(eoj echonet_lite.EOJ) (*ObjectInstance, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	o, ok := n.objects[eoj]
	return o, ok
}

// Objects は EOJ 昇順のオブジェクトを返す
func (n *Node) Objects() []*ObjectInstance {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]*ObjectInstance, 0, len(n.objects))
	for _, eoj := range slices.Sorted(maps.Keys(n.objects)) {
		result = append(result, n.objects[eoj])
	}
	return result
}

// Devices はノード・オブジェクト・プロパティのグラフです。
// ノードとオブジェクトには作成順の ID が振られ、削除されないので ID は変わりません。
type Devices struct {
	lookup catalog.Lookup
	bus    *EventBus

	mu      sync.RWMutex
	nodes   map[string]*Node
	nodeIDs []*Node
	objIDs  []*ObjectInstance
}

// NewDevices は lookup でクラス定義を引くグラフを作成します。lookup は nil でも構いません。
func NewDevices(lookup catalog.Lookup, bus *EventBus) *Devices {
	if bus == nil {
		bus = NewEventBus()
	}
	return &Devices{
		lookup: lookup,
		bus:    bus,
		nodes:  make(map[string]*Node),
	}
}

func (d *Devices) Events() *EventBus {
	return d.bus
}

func (d *Devices) lookupClass(classCode echonet_lite.EOJClassCode) catalog.Class {
	if d.lookup == nil {
		return catalog.Class{ClassCode: classCode}
	}
	class, _ := d.lookup.Lookup(classCode)
	class.ClassCode = classCode
	return class
}

func (d *Devices) registerObject(o *ObjectInstance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o.ID = ObjectID(len(d.objIDs))
	d.objIDs = append(d.objIDs, o)
}

// GetOrCreateNode はノードを返し、なければ作成して NodeJoined を発行します
func (d *Devices) GetOrCreateNode(ip net.IP) (*Node, bool) {
	key := ip.String()
	d.mu.Lock()
	if n, ok := d.nodes[key]; ok {
		d.mu.Unlock()
		return n, false
	}
	n := &Node{
		ID:      NodeID(len(d.nodeIDs)),
		IP:      append(net.IP(nil), ip...),
		devices: d,
		objects: make(map[echonet_lite.EOJ]*ObjectInstance),
	}
	d.nodes[key] = n
	d.nodeIDs = append(d.nodeIDs, n)
	d.mu.Unlock()

	d.bus.Publish(Event{Type: EventNodeJoined, Node: n.IP})
	return n, true
}

func (d *Devices) Node(ip net.IP) (*Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[ip.String()]
	return n, ok
}

func (d *Devices) NodeByID(id NodeID) (*Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id < 0 || int(id) >= len(d.nodeIDs) {
		return nil, false
	}
	return d.nodeIDs[id], true
}

func (d *Devices) ObjectByID(id ObjectID) (*ObjectInstance, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id < 0 || int(id) >= len(d.objIDs) {
		return nil, false
	}
	return d.objIDs[id], true
}

// Nodes は作成順のノードを返す
func (d *Devices) Nodes() []*Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.nodeIDs)
}

// Find は IP と EOJ からオブジェクトを探す
func (d *Devices) Find(device echonet_lite.IPAndEOJ) (*ObjectInstance, bool) {
	n, ok := d.Node(device.IP)
	if !ok {
		return nil, false
	}
	return n.Object(device.EOJ)
}

// DeviceSnapshot はオブジェクトの状態を JSON などで出力するための値です
type DeviceSnapshot struct {
	IP          string             `json:"ip"`
	EOJ         string             `json:"eoj"`
	Class       string             `json:"class,omitempty"`
	MapAcquired bool               `json:"mapAcquired"`
	Properties  []PropertyInstance `json:"properties"`
}

// Snapshot は全オブジェクトの状態を IP, EOJ の順に並べて返す
func (d *Devices) Snapshot() []DeviceSnapshot {
	var result []DeviceSnapshot
	nodes := d.Nodes()
	slices.SortFunc(nodes, func(a, b *Node) int {
		return bytes.Compare(a.IP.To16(), b.IP.To16())
	})
	for _, n := range nodes {
		for _, o := range n.Objects() {
			result = append(result, DeviceSnapshot{
				IP:          n.IP.String(),
				EOJ:         o.EOJ.Specifier(),
				Class:       cmp.Or(o.Class.Name, o.EOJ.ClassCode().String()),
				MapAcquired: o.MapAcquired(),
				Properties:  o.Properties(),
			})
		}
	}
	return result
}
