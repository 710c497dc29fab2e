package network

import (
	"context"
	"errors"
	"net"
)

// ReceiveHandler は受信したデータグラムごとに呼び出されます。
// data は呼び出し後に再利用されないので保持して構いません。
type ReceiveHandler func(src net.IP, data []byte)

// Transport はデータグラムの送受信を行います。
// ECHONET Lite のソケットや無線モジュールはこのインターフェースの背後に隠れます。
type Transport interface {
	// Send は data を送信します。ip が nil の場合はマルチキャスト(またはブロードキャスト)で送信します。
	Send(ip net.IP, data []byte) error
	// Listen は ctx がキャンセルされるか Close されるまで受信を続け、受信ごとに handler を呼びます。
	Listen(ctx context.Context, handler ReceiveHandler) error
	Close() error
}

// Link は接続手順が必要なトランスポート (Route B など) のためのインターフェースです。
// 認証などの詳細は実装側に閉じています。
type Link interface {
	Connect(ctx context.Context) error
	Disconnect() error
}

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrReplayReadOnly  = errors.New("capture replay transport cannot send")
)
