package handler

import (
	"echonet-controller/echonet_lite"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
)

// EventType はグラフと探索処理が発行するイベントの種類
type EventType int

const (
	EventNodeJoined           EventType = iota // 新しいノードを検出した
	EventObjectsChanged                        // ノードにオブジェクトが追加された
	EventPropertiesChanged                     // オブジェクトにプロパティが追加された
	EventPropertyValueChanged                  // プロパティ値が変化した
	EventInstanceListUpdating                  // インスタンスリストの処理を開始した
	EventPropertyMapAcquiring                  // プロパティマップの取得を開始した
	EventInstanceListUpdated                   // インスタンスリストの処理が完了した
)

func (t EventType) String() string {
	switch t {
	case EventNodeJoined:
		return "NodeJoined"
	case EventObjectsChanged:
		return "ObjectsChanged"
	case EventPropertiesChanged:
		return "PropertiesChanged"
	case EventPropertyValueChanged:
		return "PropertyValueChanged"
	case EventInstanceListUpdating:
		return "InstanceListUpdating"
	case EventPropertyMapAcquiring:
		return "PropertyMapAcquiring"
	case EventInstanceListUpdated:
		return "InstanceListUpdated"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event はイベントの内容です。種類によって使うフィールドが異なります。
type Event struct {
	Type EventType
	Node net.IP
	// オブジェクト・プロパティのイベント
	EOJ      echonet_lite.EOJ
	EPC      echonet_lite.EPCType
	OldValue []byte
	NewValue []byte
	// インスタンスリストのイベント
	Instances []echonet_lite.EOJ
}

func (e Event) Device() echonet_lite.IPAndEOJ {
	return echonet_lite.IPAndEOJ{IP: e.Node, EOJ: e.EOJ}
}

func (e Event) String() string {
	switch e.Type {
	case EventNodeJoined, EventInstanceListUpdating:
		return fmt.Sprintf("%v %v", e.Type, e.Node)
	case EventObjectsChanged:
		return fmt.Sprintf("%v %v", e.Type, e.Device())
	case EventPropertiesChanged:
		return fmt.Sprintf("%v %v %v", e.Type, e.Device(), e.EPC)
	case EventPropertyValueChanged:
		return fmt.Sprintf("%v %v %v %X -> %X", e.Type, e.Device(), e.EPC, e.OldValue, e.NewValue)
	default:
		return fmt.Sprintf("%v %v %v", e.Type, e.Node, e.Instances)
	}
}

// Observer はイベントを受け取ります。
// 1つのオブジェクトのイベントは変更と同じ順序で届きます (PropertyValueChanged の OldValue は直前の NewValue)。
// OnEvent の間はそのオブジェクトの次の変更が待たされるので、速やかに返してください。
// OnEvent から同じオブジェクトの値を書き換えるとデッドロックします。読み出しはできます。
type Observer interface {
	OnEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// ChannelObserver はイベントをチャンネルに送る Observer を返します。
// チャンネルが満杯の場合はイベントを捨てて警告を出します。
func ChannelObserver(ch chan<- Event) Observer {
	return ObserverFunc(func(e Event) {
		select {
		case ch <- e:
		default:
			slog.Warn("イベントチャンネルが満杯のため破棄しました", "event", e.Type, "node", e.Node)
		}
	})
}

type subscription struct {
	id       int
	observer Observer
}

// EventBus は登録された Observer にイベントを配信します
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID int
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe は Observer を登録し、登録解除の関数を返す
func (b *EventBus) Subscribe(o Observer) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id, o})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
	}
}

// Publish は登録順にイベントを配信する
func (b *EventBus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()
	for _, s := range subs {
		s.observer.OnEvent(e)
	}
}

func (b *EventBus) publishAll(events []Event) {
	for _, e := range events {
		b.Publish(e)
	}
}
