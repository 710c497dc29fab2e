package handler

import (
	"context"
	"echonet-controller/echonet_lite"
	"echonet-controller/echonet_lite/network"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrTIDInUse      = errors.New("TID is already pending")
)

const defaultTIDModulus = 1 << 16

type Key struct {
	TID echonet_lite.TIDType
}

func MakeKey(f *echonet_lite.Frame) Key {
	return Key{f.TID}
}

// ResponseMatcher は TID が一致したフレームを応答として受け入れるかを判定する
type ResponseMatcher func(src net.IP, f *echonet_lite.Frame) bool

// Result は要求に対する結果です。
// タイムアウトはエラーではなく TimedOut で表します。
type Result struct {
	Frame    *echonet_lite.Frame
	From     net.IP
	TimedOut bool
}

// EDATA1 は応答の形式1サービスデータを返す。タイムアウトや形式2なら nil
func (r Result) EDATA1() *echonet_lite.EDATA1 {
	if r.Frame == nil {
		return nil
	}
	d, ok := r.Frame.EDATA1()
	if !ok {
		return nil
	}
	return d
}

type Entry struct {
	Matcher  ResponseMatcher
	resultCh chan Result
	resolved bool
}

type DispatchTable map[Key]*Entry

func (dt DispatchTable) Register(key Key, entry *Entry) {
	dt[key] = entry
}

func (dt DispatchTable) Unregister(key Key) {
	delete(dt, key)
}

type SessionOptions struct {
	// TIDModulus は TID の周期。0 のときは 65536
	TIDModulus int
	Metrics    *Metrics
}

// Session は送信した要求と受信した応答を TID で対応付けます。
// トランスポートの所有権は持たず、Close してもトランスポートは閉じません。
type Session struct {
	transport network.Transport
	metrics   *Metrics

	mu            sync.Mutex
	dispatchTable DispatchTable
	inUse         map[echonet_lite.TIDType]struct{} // 予約中または応答待ちの TID
	tid           uint32
	modulus       uint32
	released      chan struct{} // TID が解放されるたびに close して作り直す
	closed        bool
	done          chan struct{}
}

func NewSession(transport network.Transport, opts SessionOptions) *Session {
	modulus := uint32(opts.TIDModulus)
	if modulus == 0 || modulus > defaultTIDModulus {
		modulus = defaultTIDModulus
	}
	return &Session{
		transport:     transport,
		metrics:       opts.Metrics,
		dispatchTable: make(DispatchTable),
		inUse:         make(map[echonet_lite.TIDType]struct{}),
		modulus:       modulus,
		released:      make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// NextTID は未使用の TID を予約して返します。
// すべての TID が使用中の場合は、どれかが解放されるか ctx が終了するまで待ちます。
// 予約した TID は使い終わったら ReleaseTID で解放してください。
func (s *Session) NextTID(ctx context.Context) (echonet_lite.TIDType, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, ErrSessionClosed
		}
		if uint32(len(s.inUse)) < s.modulus {
			for {
				s.tid = (s.tid + 1) % s.modulus
				tid := echonet_lite.TIDType(s.tid)
				if _, used := s.inUse[tid]; !used {
					s.inUse[tid] = struct{}{}
					s.mu.Unlock()
					return tid, nil
				}
			}
		}
		released := s.released
		s.mu.Unlock()

		slog.Debug("TIDが枯渇しているため解放を待ちます", "inUse", s.modulus)
		select {
		case <-released:
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-s.done:
			return 0, ErrSessionClosed
		}
	}
}

// ReleaseTID は NextTID で予約した TID を解放する
func (s *Session) ReleaseTID(tid echonet_lite.TIDType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseTIDLocked(tid)
}

func (s *Session) releaseTIDLocked(tid echonet_lite.TIDType) {
	if _, ok := s.inUse[tid]; !ok {
		return
	}
	delete(s.inUse, tid)
	close(s.released)
	s.released = make(chan struct{})
}

// PendingCount は応答待ちの要求の数を返す
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dispatchTable)
}

// SendAndWait は TID を割り当てて data を送信し、matcher を満たす最初の応答を待ちます。
// タイムアウトした場合は Result.TimedOut が true で、エラーは nil です。
// timeout が 0 以下の場合は ctx の終了まで待ちます。
func (s *Session) SendAndWait(ctx context.Context, dst net.IP, data *echonet_lite.EDATA1, matcher ResponseMatcher, timeout time.Duration) (Result, error) {
	tid, err := s.NextTID(ctx)
	if err != nil {
		return Result{}, err
	}
	return s.sendAndWait(ctx, dst, echonet_lite.NewFrame1(tid, data), matcher, timeout, true)
}

// SendFrameAndWait は呼び出し側が決めた TID のフレームを送信して応答を待ちます。
// TID が予約中または応答待ちの場合は ErrTIDInUse を返します。
func (s *Session) SendFrameAndWait(ctx context.Context, dst net.IP, frame *echonet_lite.Frame, matcher ResponseMatcher, timeout time.Duration) (Result, error) {
	return s.sendAndWait(ctx, dst, frame, matcher, timeout, false)
}

// register は TID の使用権を確認して応答待ちに登録する。
// reserved が true なら TID は NextTID で予約済み、false ならここで予約する。
func (s *Session) register(key Key, entry *Entry, reserved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if reserved {
			s.releaseTIDLocked(key.TID)
		}
		return ErrSessionClosed
	}
	if !reserved {
		if _, used := s.inUse[key.TID]; used {
			return ErrTIDInUse
		}
		s.inUse[key.TID] = struct{}{}
	}
	s.dispatchTable.Register(key, entry)
	return nil
}

func (s *Session) sendAndWait(ctx context.Context, dst net.IP, frame *echonet_lite.Frame, matcher ResponseMatcher, timeout time.Duration, reserved bool) (Result, error) {
	key := MakeKey(frame)
	data, err := frame.Encode()
	if err != nil {
		if reserved {
			s.ReleaseTID(frame.TID)
		}
		return Result{}, err
	}

	// 応答が送信直後に届いても取りこぼさないよう、送信前に登録する
	entry := &Entry{Matcher: matcher, resultCh: make(chan Result, 1)}
	if err := s.register(key, entry, reserved); err != nil {
		return Result{}, err
	}
	s.metrics.pendingAdd(1)
	defer s.finish(key, entry)

	if d, ok := frame.EDATA1(); ok {
		s.metrics.requestSent(d.ESV)
	}
	sentAt := time.Now()
	if err := s.send(dst, data); err != nil {
		s.metrics.requestDone(OutcomeSendError)
		return Result{}, err
	}

	received := func(res Result) (Result, error) {
		s.metrics.observeRoundTrip(time.Since(sentAt))
		if d := res.EDATA1(); d != nil && d.ESV.IsSNA() {
			s.metrics.requestDone(OutcomeSNA)
		} else {
			s.metrics.requestDone(OutcomeResponse)
		}
		return res, nil
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	// タイムアウトなどと同時に Dispatch が結果を渡していた場合は、受け取った応答を優先する
	select {
	case res := <-entry.resultCh:
		return received(res)
	case <-timeoutCh:
		if res, ok := s.abandon(key, entry); ok {
			return received(res)
		}
		slog.Debug("応答がタイムアウトしました", "tid", frame.TID, "dst", dst, "timeout", timeout)
		s.metrics.requestDone(OutcomeTimeout)
		return Result{TimedOut: true}, nil
	case <-ctx.Done():
		if res, ok := s.abandon(key, entry); ok {
			return received(res)
		}
		s.metrics.requestDone(OutcomeCancelled)
		return Result{}, ctx.Err()
	case <-s.done:
		if res, ok := s.abandon(key, entry); ok {
			return received(res)
		}
		s.metrics.requestDone(OutcomeCancelled)
		return Result{}, ErrSessionClosed
	}
}

// abandon は応答待ちをやめる。Dispatch が既に結果を渡していればそれを返す。
// 以降に届いた同じ TID のフレームは Dispatch で false になる。
func (s *Session) abandon(key Key, entry *Entry) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.resolved {
		return <-entry.resultCh, true
	}
	entry.resolved = true
	if s.dispatchTable[key] == entry {
		s.dispatchTable.Unregister(key)
	}
	return Result{}, false
}

// finish は登録を削除して TID を解放する
func (s *Session) finish(key Key, entry *Entry) {
	s.mu.Lock()
	if s.dispatchTable[key] == entry {
		s.dispatchTable.Unregister(key)
	}
	s.releaseTIDLocked(key.TID)
	s.mu.Unlock()
	s.metrics.pendingAdd(-1)
}

// Dispatch は受信したフレームを応答待ちの要求に渡します。
// 対応する要求がない (または matcher が拒否した) 場合は false を返します。
// 1つの要求に対して結果を渡すのは最初の1回だけです。
func (s *Session) Dispatch(src net.IP, frame *echonet_lite.Frame) bool {
	key := MakeKey(frame)
	s.mu.Lock()
	entry, ok := s.dispatchTable[key]
	if !ok || entry.resolved {
		s.mu.Unlock()
		return false
	}
	if entry.Matcher != nil && !entry.Matcher(src, frame) {
		s.mu.Unlock()
		return false
	}
	entry.resolved = true
	s.dispatchTable.Unregister(key)
	// resultCh は容量1で、送るのは resolved にした1回だけなのでブロックしない
	entry.resultCh <- Result{Frame: frame, From: src}
	s.mu.Unlock()
	return true
}

// RequestWithRetry はタイムアウトした場合に新しい TID で最大 retries 回まで再送します。
func (s *Session) RequestWithRetry(ctx context.Context, dst net.IP, data *echonet_lite.EDATA1, matcher ResponseMatcher, timeout time.Duration, retries int) (Result, error) {
	var res Result
	for attempt := 0; attempt <= retries; attempt++ {
		var err error
		res, err = s.SendAndWait(ctx, dst, data, matcher, timeout)
		if err != nil || !res.TimedOut {
			return res, err
		}
		if attempt < retries {
			slog.Debug("タイムアウトのため再送します", "dst", dst, "deoj", data.DEOJ, "esv", data.ESV, "attempt", attempt+1)
		}
	}
	return res, nil
}

// Send は応答を待たずに送信します。dst が nil の場合はマルチキャストです。
func (s *Session) Send(ctx context.Context, dst net.IP, data *echonet_lite.EDATA1) (echonet_lite.TIDType, error) {
	tid, err := s.NextTID(ctx)
	if err != nil {
		return 0, err
	}
	defer s.ReleaseTID(tid)

	frame := echonet_lite.NewFrame1(tid, data)
	bytes, err := frame.Encode()
	if err != nil {
		return tid, err
	}
	s.metrics.requestSent(data.ESV)
	return tid, s.send(dst, bytes)
}

// Broadcast はマルチキャストで送信する
func (s *Session) Broadcast(ctx context.Context, data *echonet_lite.EDATA1) error {
	_, err := s.Send(ctx, nil, data)
	return err
}

// Reply は受信した要求と同じ TID で応答を返す
func (s *Session) Reply(dst net.IP, tid echonet_lite.TIDType, data *echonet_lite.EDATA1) error {
	bytes, err := echonet_lite.NewFrame1(tid, data).Encode()
	if err != nil {
		return err
	}
	return s.send(dst, bytes)
}

func (s *Session) send(dst net.IP, data []byte) error {
	slog.Debug("送信", "dst", dst, "data", hex.EncodeToString(data))
	if err := s.transport.Send(dst, data); err != nil {
		return fmt.Errorf("送信に失敗: %w", err)
	}
	return nil
}

// Close は応答待ちのすべての要求を ErrSessionClosed で終了させる
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

// NewResponseMatcher は req に対する応答かどうかを判定する matcher を作ります。
// ESV が応答 (または不可応答) で、EOJ の組が逆向きに一致することを確認します。
// dst がユニキャストの場合は送信元アドレスも一致する必要があります。
func NewResponseMatcher(req *echonet_lite.EDATA1, dst net.IP) ResponseMatcher {
	esvs := req.ESV.ResponseESVs()
	unicast := dst != nil && !dst.IsMulticast() && !dst.Equal(net.IPv4bcast)
	return func(src net.IP, f *echonet_lite.Frame) bool {
		resp, ok := f.EDATA1()
		if !ok {
			return false
		}
		if !slices.Contains(esvs, resp.ESV) {
			return false
		}
		if !resp.SEOJ.Matches(req.DEOJ) || !resp.DEOJ.Matches(req.SEOJ) {
			return false
		}
		if unicast && !src.Equal(dst) {
			return false
		}
		return true
	}
}
