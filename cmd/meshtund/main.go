// Command meshtund bridges a serial-attached mesh radio to a TUN interface.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"meshtun/internal/bridge"
	"meshtun/internal/config"
	"meshtun/internal/logx"
	"meshtun/internal/metrics"
	"meshtun/pkg/serial"
	"meshtun/pkg/tun"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", getenv("MESHTUN_CONFIG", config.DefaultPath), "path to the TOML config file")
	logLevel := flag.String("log-level", getenv("MESHTUN_LOG_LEVEL", ""), "log level (trace, debug, info, warn, error, none)")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address, overrides [metrics] listen")
	writeDefault := flag.Bool("write-default", false, "write a default config to -config and exit")
	flag.Parse()

	if *logLevel != "" {
		logx.Configure(*logLevel)
	}
	log := logx.Component("meshtund")

	if *writeDefault {
		return writeDefaultConfig(*configPath)
	}
	if _, err := os.Stat(*configPath); errors.Is(err, fs.ErrNotExist) {
		return writeDefaultConfig(*configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Str("path", *configPath).Msg("invalid configuration")
		return 1
	}
	if *logLevel == "" {
		logx.Configure(cfg.Log.Level)
	}
	sessionCfg, err := cfg.Session()
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return 1
	}

	if os.Geteuid() != 0 {
		log.Error().Msg("root privileges are required to create the TUN interface")
		return 1
	}

	dev, err := createTUNWithRetry(cfg.TUN.Name, tun.Create, func(name string) {
		log.Warn().Str("tun", name).Msg("interface busy, removing stale link")
		if err := tun.Remove(name); err != nil {
			log.Warn().Err(err).Str("tun", name).Msg("remove stale link")
		}
	})
	if err != nil {
		log.Error().Err(err).Str("tun", cfg.TUN.Name).Msg("create tun")
		return 1
	}
	defer func() {
		if err := tun.Teardown(dev.Name()); err != nil {
			log.Warn().Err(err).Msg("tun link down")
		}
		log.Info().Str("tun", dev.Name()).Msg("tun interface down")
	}()

	if err := tun.Configure(tun.Config{Name: dev.Name(), Address: sessionCfg.Addr, MTU: cfg.TUN.MTU}); err != nil {
		dev.Close()
		log.Error().Err(err).Str("tun", dev.Name()).Msg("configure tun")
		return 1
	}
	log.Info().Str("tun", dev.Name()).Str("addr", sessionCfg.Addr.String()).Int("mtu", cfg.TUN.MTU).Msg("tun interface up")

	port, err := serial.Open(serial.Config{Path: cfg.Serial.Port, Baud: cfg.Serial.Baudrate})
	if err != nil {
		dev.Close()
		log.Error().Err(err).Str("port", cfg.Serial.Port).Msg("open serial")
		return 1
	}
	log.Info().Str("port", cfg.Serial.Port).Int("baud", cfg.Serial.Baudrate).Msg("serial port open")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.New(sessionCfg.NodeID)
	metricsDone := make(chan struct{})
	if addr := firstNonEmpty(*metricsAddr, cfg.Metrics.Listen); addr != "" {
		go func() {
			defer close(metricsDone)
			log.Info().Str("addr", addr).Msg("metrics listening")
			if err := reg.Serve(ctx, addr); err != nil {
				log.Warn().Err(err).Msg("metrics listener")
			}
		}()
	} else {
		close(metricsDone)
	}

	session, err := bridge.New(sessionCfg, port, dev, bridge.WithMetrics(reg), bridge.WithLogger(logx.Log))
	if err != nil {
		port.Close()
		dev.Close()
		log.Error().Err(err).Msg("start bridge")
		return 1
	}

	runErr := session.Run(ctx)
	stop()
	<-metricsDone
	if runErr != nil {
		log.Error().Err(runErr).Msg("bridge failed")
		return 1
	}
	return 0
}

func writeDefaultConfig(path string) int {
	cfg, err := config.WriteDefault(path)
	if err != nil {
		logx.Log.Error().Err(err).Msg("write default config")
		return 1
	}
	logx.Log.Info().Str("path", path).Str("node_id", cfg.Mesh.NodeID).
		Msgf("default configuration written, review %s and restart", path)
	return 0
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
