package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
)

// Logger はログファイルへの書き込みを行う io.Writer です。
// Rotate でファイルを開き直せるので、外部のローテーションツールと組み合わせて使います。
type Logger struct {
	filename string
	logFile  *os.File
	logMutex sync.Mutex
	stop     chan struct{}
}

// NewLogger は指定したファイルを追記モードで開きます。
func NewLogger(filename string) (*Logger, error) {
	logFile, err := openLogFile(filename)
	if err != nil {
		return nil, fmt.Errorf("ログファイルを開けませんでした: %w", err)
	}
	return &Logger{filename: filename, logFile: logFile}, nil
}

func openLogFile(filename string) (*os.File, error) {
	return os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}

func (l *Logger) Write(p []byte) (int, error) {
	l.logMutex.Lock()
	defer l.logMutex.Unlock()
	if l.logFile == nil {
		return len(p), nil
	}
	return l.logFile.Write(p)
}

func (l *Logger) Close() error {
	l.logMutex.Lock()
	defer l.logMutex.Unlock()

	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	if l.logFile == nil {
		return nil
	}
	err := l.logFile.Close()
	l.logFile = nil
	return err
}

// Rotate closes and reopens the log file
func (l *Logger) Rotate() error {
	l.logMutex.Lock()
	defer l.logMutex.Unlock()

	if l.logFile == nil {
		return nil
	}
	_ = l.logFile.Close()

	logFile, err := openLogFile(l.filename)
	if err != nil {
		l.logFile = nil
		return fmt.Errorf("ログファイルを再オープンできませんでした: %w", err)
	}
	l.logFile = logFile
	return nil
}

// RotateOnSIGHUP は SIGHUP を受信するたびに Rotate します。Close で停止します。
func (l *Logger) RotateOnSIGHUP() {
	l.logMutex.Lock()
	if l.stop != nil {
		l.logMutex.Unlock()
		return
	}
	stop := make(chan struct{})
	l.stop = stop
	l.logMutex.Unlock()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-stop:
				return
			case <-ch:
				slog.Info("SIGHUPを受信しました。ログファイルをローテーションします", "file", l.filename)
				if err := l.Rotate(); err != nil {
					fmt.Fprintf(os.Stderr, "ログローテーションエラー: %v\n", err)
				}
			}
		}
	}()
}

// ParseLevel は "debug", "info", "warn", "error" を slog.Level に変換します。
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("ログレベルが不正です: %q", s)
	}
	return level, nil
}

// NewHandler は w に書き込むテキスト形式の slog.Handler を作成します。
func NewHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
}

// Setup はログ出力先を設定して slog のデフォルトロガーにします。
// filename が空の場合は標準エラー出力に書き込みます。
// 返される Logger は filename が空の場合 nil です。
func Setup(filename string, level slog.Level) (*Logger, error) {
	if filename == "" {
		slog.SetDefault(slog.New(NewHandler(os.Stderr, level)))
		return nil, nil
	}
	logger, err := NewLogger(filename)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(NewHandler(logger, level)))
	logger.RotateOnSIGHUP()
	return logger, nil
}
