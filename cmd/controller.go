package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"echonet-controller/echonet_lite/handler"
	"echonet-controller/echonet_lite/network"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// controller は設定から組み立てたハンドラと、メトリクスのHTTPサーバ
type controller struct {
	*handler.ECHONETLiteHandler
	metricsServer *http.Server
}

// openUDP は設定に従って UDP のトランスポートを開く
func (rt *runtime) openUDP(ctx context.Context) (*network.UDPConnection, error) {
	bindIP, _ := rt.cfg.BindIP()
	multicastIP, _ := rt.cfg.MulticastIP()
	conn, err := network.CreateUDPConnection(ctx, network.UDPOptions{
		BindIP:          bindIP,
		Port:            rt.cfg.Network.Port,
		MulticastIP:     multicastIP,
		MonitorInterval: rt.cfg.Network.MonitorInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("UDP接続に失敗: %w", err)
	}
	return conn, nil
}

// startController は transport を使うハンドラを作成して受信を開始する。
// transport の所有権はハンドラに移る。
func (rt *runtime) startController(ctx context.Context, transport network.Transport) (*controller, error) {
	seoj, _ := rt.cfg.ControllerEOJ()

	var metrics *handler.Metrics
	var registry *prometheus.Registry
	if rt.cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = handler.NewMetrics(registry)
	}

	h, err := handler.NewECHONETLiteHandler(ctx, handler.HandlerOptions{
		Transport:      transport,
		Lookup:         rt.catalog,
		SEOJ:           seoj,
		RequestTimeout: rt.cfg.Controller.RequestTimeout,
		Discovery: handler.DiscoveryOptions{
			Timeout: rt.cfg.Discovery.PropertyMapTimeout,
			Retries: rt.cfg.Discovery.Retries,
		},
		ValidateWrites: rt.cfg.Controller.ValidateWrites,
		Metrics:        metrics,
	})
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	if err := h.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	c := &controller{ECHONETLiteHandler: h}
	if registry != nil {
		c.metricsServer = serveMetrics(rt.cfg.Metrics.Addr, registry)
	}
	return c, nil
}

// serveMetrics は /metrics を公開する HTTP サーバを起動する
func serveMetrics(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("メトリクスを公開します", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("メトリクスサーバの起動に失敗", "addr", addr, "err", err)
		}
	}()
	return server
}

func (c *controller) Close() error {
	if c.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.metricsServer.Shutdown(ctx); err != nil {
			slog.Warn("メトリクスサーバの停止に失敗", "err", err)
		}
	}
	return c.ECHONETLiteHandler.Close()
}
