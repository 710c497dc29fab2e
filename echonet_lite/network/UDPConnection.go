package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"
)

// UDPOptions は UDPConnection の作成オプションです。
type UDPOptions struct {
	// BindIP が nil の場合はワイルドカードで listen する
	BindIP net.IP
	Port   int
	// MulticastIP が nil の場合は受信にマルチキャストを使わない。
	// 255.255.255.255 の場合はブロードキャストで送受信する。
	MulticastIP net.IP
	// MonitorInterval が 0 より大きい場合、その間隔でローカルIPアドレスを再取得する
	MonitorInterval time.Duration
}

// UDPConnection は UDP ソケットを管理します
type UDPConnection struct {
	conn        *net.UDPConn
	localIPs    []net.IP // 自送信パケットの除外に使うローカルIPリスト
	port        int
	sendIP      net.IP // 宛先省略時の送信先
	mu          sync.RWMutex
	monitorStop context.CancelFunc
	monitorDone chan struct{}
	closed      bool
}

var _ Transport = (*UDPConnection)(nil)

// CreateUDPConnection は IPv4 の unicast と multicast を受信する UDP ソケットを作成します。
// IPv6 のアドレスを指定した場合はエラーになります。
func CreateUDPConnection(ctx context.Context, opts UDPOptions) (*UDPConnection, error) {
	if opts.BindIP != nil && opts.BindIP.To4() == nil {
		return nil, fmt.Errorf("IPv6 not supported for unicast ip")
	}
	if opts.MulticastIP != nil && opts.MulticastIP.To4() == nil {
		return nil, fmt.Errorf("IPv6 not supported for multicastIP")
	}

	groupIP := opts.MulticastIP
	sendIP := opts.MulticastIP
	if groupIP != nil && groupIP.Equal(net.IPv4bcast) {
		// ブロードキャストはグループ参加せずに受信できる
		groupIP = nil
	}

	var conn *net.UDPConn
	var err error
	if groupIP != nil {
		if !groupIP.IsMulticast() {
			return nil, fmt.Errorf("multicastIP %v is not a multicast address", groupIP)
		}
		conn, err = net.ListenMulticastUDP("udp4", nil, &net.UDPAddr{IP: groupIP, Port: opts.Port})
		if err != nil {
			return nil, fmt.Errorf("failed to ListenMulticastUDP: %w", err)
		}
	} else {
		bindIP := opts.BindIP
		if bindIP == nil || bindIP.IsUnspecified() {
			bindIP = net.IPv4zero
		}
		conn, err = net.ListenUDP("udp4", &net.UDPAddr{IP: bindIP, Port: opts.Port})
		if err != nil {
			return nil, fmt.Errorf("failed to ListenUDP: %w", err)
		}
	}

	localIPs, err := GetLocalIPv4s()
	if err != nil {
		slog.Warn("自送信パケット除外用のローカルIPを取得できません", "err", err)
		localIPs = []net.IP{}
	}
	// Listen したアドレスが Unspecified でない場合、それもリストに追加する
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	if localAddr.IP.To4() != nil && !localAddr.IP.IsUnspecified() && !containsIP(localIPs, localAddr.IP) {
		localIPs = append(localIPs, localAddr.IP)
	}

	port := opts.Port
	if port == 0 {
		port = localAddr.Port
	}
	c := &UDPConnection{
		conn:     conn,
		localIPs: localIPs,
		port:     port,
		sendIP:   sendIP,
	}
	if opts.MonitorInterval > 0 {
		c.startMonitor(ctx, opts.MonitorInterval)
	}
	return c, nil
}

func containsIP(ips []net.IP, ip net.IP) bool {
	return slices.ContainsFunc(ips, ip.Equal)
}

// LocalAddr は listen しているアドレスを返す
func (c *UDPConnection) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// isSelfPacket は指定されたアドレスが自身のいずれかのローカルIPとポートから送信されたものかを確認します
func (c *UDPConnection) isSelfPacket(src *net.UDPAddr) bool {
	if src == nil || src.Port != c.port {
		return false
	}
	return c.IsLocalIP(src.IP)
}

// IsLocalIP は指定されたIPアドレスが自身のローカルIPのいずれかと一致するかを確認します
func (c *UDPConnection) IsLocalIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return containsIP(c.localIPs, ip)
}

// Close はソケットを閉じます
func (c *UDPConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stop, done := c.monitorStop, c.monitorDone
	c.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	return c.conn.Close()
}

// SendTo は指定先にデータを送信します
func (c *UDPConnection) SendTo(dstIP net.IP, data []byte) (int, error) {
	return c.conn.WriteTo(data, &net.UDPAddr{IP: dstIP, Port: c.port})
}

// Send は ip 宛てに送信します。ip が nil の場合はマルチキャストアドレスに送信します。
func (c *UDPConnection) Send(ip net.IP, data []byte) error {
	if ip == nil {
		ip = c.sendIP
		if ip == nil {
			return fmt.Errorf("no multicast address configured")
		}
	}
	_, err := c.SendTo(ip, data)
	return err
}

// bufferPool は受信バッファのプールです
var bufferPool = sync.Pool{
	New: func() any { return make([]byte, 1500) },
}

// Receive は UDP パケットを1つ受信し、データと送信元アドレスを返します。
// 自送信パケットの場合は data と addr が nil になります。
func (c *UDPConnection) Receive(ctx context.Context) ([]byte, *net.UDPAddr, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	type result struct {
		data []byte
		addr *net.UDPAddr
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		buf := bufferPool.Get().([]byte)
		defer bufferPool.Put(buf)
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			ch <- result{err: err}
			return
		}
		if c.isSelfPacket(addr) {
			ch <- result{}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		ch <- result{data, addr, nil}
	}()

	select {
	case <-ctx.Done():
		_ = c.conn.SetReadDeadline(time.Now())
		<-ch
		return nil, nil, ctx.Err()
	case res := <-ch:
		return res.data, res.addr, res.err
	}
}

// Listen は受信ループです。ctx がキャンセルされると nil、ソケットが閉じられると ErrTransportClosed を返します。
func (c *UDPConnection) Listen(ctx context.Context, handler ReceiveHandler) error {
	for {
		data, addr, err := c.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrTransportClosed
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("receive: %w", err)
		}
		if data == nil {
			continue
		}
		handler(addr.IP, data)
	}
}

// startMonitor は一定間隔でネットワークインターフェースの変化を確認し、ローカルIPリストを更新します
func (c *UDPConnection) startMonitor(ctx context.Context, interval time.Duration) {
	monitorCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.monitorStop = cancel
	c.monitorDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				slog.Debug("ネットワーク監視ループを終了します")
				return
			case <-ticker.C:
				c.refreshLocalIPs()
			}
		}
	}()
	slog.Info("ネットワーク監視が開始されました", "interval", interval)
}

func (c *UDPConnection) refreshLocalIPs() {
	ips, err := GetLocalIPv4s()
	if err != nil {
		slog.Warn("ローカルIPアドレスの再取得に失敗", "err", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if slices.EqualFunc(ips, c.localIPs, net.IP.Equal) {
		return
	}
	slog.Info("ネットワークインターフェースの変更を検出しました", "count", len(ips))
	c.localIPs = ips
}
