// Command srt-relay is a minimal bridge: it accepts one inbound SRT
// connection, and for every message it receives, writes the payload as one
// UDP datagram to 127.0.0.1:1888. It takes no flags; SRT_LOG_LEVEL and
// SRT_PROFILE are the only inputs, matching the core library's own
// no-environment-input stance (configuration happens through the Builder
// API, not the process environment).
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	srtgo "github.com/srtgo/srtgo"
	"github.com/srtgo/srtgo/config"
	"github.com/srtgo/srtgo/logx"
	"github.com/srtgo/srtgo/stats"
)

const (
	listenAddr  = ":9000"
	relayAddr   = "127.0.0.1:1888"
	metricsAddr = ":9090"
)

func main() {
	logx.SetLevel(envOr("SRT_LOG_LEVEL", "info"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prometheus.MustRegister(stats.DefaultCollector)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logx.Warn("metrics server stopped", logx.Fields{"err": err})
		}
	}()
	logx.Info("metrics listening", logx.Fields{"addr": metricsAddr})

	builder := srtgo.Bind(listenAddr).Listen().AsReceiver()
	if profilePath := os.Getenv("SRT_PROFILE"); profilePath != "" {
		profile, err := config.Load(profilePath)
		if err != nil {
			logx.Error("failed to load profile", logx.Fields{"path": profilePath, "err": err})
			os.Exit(1)
		}
		builder = builder.ApplyProfile(profile)
	}

	conn, err := builder.Build(ctx)
	if err != nil {
		logx.Error("handshake failed", logx.Fields{"err": err})
		os.Exit(1)
	}
	defer conn.Close(context.Background())

	receiver, ok := conn.(srtgo.Receiver)
	if !ok {
		logx.Error("built connection is not a receiver", nil)
		os.Exit(1)
	}

	out, err := net.Dial("udp", relayAddr)
	if err != nil {
		logx.Error("failed to dial relay target", logx.Fields{"addr": relayAddr, "err": err})
		os.Exit(1)
	}
	defer out.Close()

	logx.Info("relay listening", logx.Fields{"listen": listenAddr, "relay_to": relayAddr})

	for {
		msg, err := receiver.Recv(ctx)
		if err != nil {
			logx.Info("connection ended", logx.Fields{"err": err})
			return
		}
		if _, err := out.Write(msg); err != nil {
			logx.Warn("relay write failed", logx.Fields{"err": err})
		}
	}
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
