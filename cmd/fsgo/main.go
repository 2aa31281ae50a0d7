// Package main provides the CLI entry point for the fuckshadows proxy.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/orf53975/fuckshadows-go/internal/cipher"
	"github.com/orf53975/fuckshadows-go/internal/config"
	"github.com/orf53975/fuckshadows-go/internal/logging"
	"github.com/orf53975/fuckshadows-go/internal/metrics"
	"github.com/orf53975/fuckshadows-go/internal/relay"
	"github.com/orf53975/fuckshadows-go/internal/replay"
	"github.com/orf53975/fuckshadows-go/internal/udprelay"
	"github.com/orf53975/fuckshadows-go/internal/wizard"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "fsgo",
		Short: "fuckshadows - AEAD-encrypted transport proxy",
		Long: `fuckshadows is an obfuscating transport proxy. The client side accepts
SOCKS5 connections locally and relays them to the server inside an
authenticated, encrypted stream format; the server side terminates
those streams and dials out to the requested targets.`,
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "status", Title: "Operations:"})

	setup := setupCmd()
	setup.GroupID = "start"
	rootCmd.AddCommand(setup)

	run := runCmd()
	run.GroupID = "start"
	rootCmd.AddCommand(run)

	status := statusCmd()
	status.GroupID = "status"
	rootCmd.AddCommand(status)

	methods := methodsCmd()
	methods.GroupID = "status"
	rootCmd.AddCommand(methods)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy with the given configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runProxy(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "configuration file")
	return cmd
}

func runProxy(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	password, err := resolvePassword(cfg)
	if err != nil {
		return err
	}

	c, err := cipher.New(cfg.Cipher.Method, password)
	if err != nil {
		return err
	}
	defer c.Wipe()

	m := metrics.Default()
	if cfg.Metrics.Enabled {
		go func() {
			logger.Info("metrics listening", slog.String(logging.KeyAddress, cfg.Metrics.Listen))
			if err := metrics.Serve(cfg.Metrics.Listen); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", slog.Any(logging.KeyError, err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := relay.Options{
		Cipher:             c,
		Logger:             logger,
		Metrics:            m,
		DialTimeout:        10 * time.Second,
		IdleTimeout:        cfg.Server.Timeout,
		MaxConnections:     cfg.Limits.MaxConnections,
		RateBytesPerSecond: cfg.Limits.RateBytesPerSecond,
	}
	udpCfg := udprelay.Config{
		Cipher:          c,
		Logger:          logger,
		Metrics:         m,
		IdleTimeout:     cfg.UDP.IdleTimeout,
		MaxAssociations: cfg.UDP.MaxAssociations,
	}

	errc := make(chan error, 2)

	switch cfg.Mode {
	case config.ModeServer:
		ln, err := net.Listen("tcp", cfg.Server.Address)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Server.Address, err)
		}
		filter := replay.New(cfg.Replay.Capacity, cfg.Replay.FalsePositiveRate)
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.FilterStages.Set(float64(filter.Stages()))
				}
			}
		}()

		logger.Info("server listening",
			slog.String(logging.KeyAddress, cfg.Server.Address),
			slog.String(logging.KeyMethod, cfg.Cipher.Method))
		go func() { errc <- relay.NewServer(filter, opts).Serve(ctx, ln) }()

		if cfg.UDP.Enabled {
			pc, err := net.ListenPacket("udp", cfg.Server.Address)
			if err != nil {
				return fmt.Errorf("listen udp %s: %w", cfg.Server.Address, err)
			}
			logger.Info("udp relay listening", slog.String(logging.KeyAddress, cfg.Server.Address))
			go func() { errc <- udprelay.NewServer(filter, udpCfg).Serve(ctx, pc) }()
		}

	case config.ModeClient:
		ln, err := net.Listen("tcp", cfg.Client.Listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Client.Listen, err)
		}
		client := relay.NewClient(cfg.Server.Address, opts)

		if cfg.UDP.Enabled {
			pc, err := net.ListenPacket("udp", cfg.Client.Listen)
			if err != nil {
				return fmt.Errorf("listen udp %s: %w", cfg.Client.Listen, err)
			}
			udpClient, err := udprelay.NewClient(cfg.Server.Address, udpCfg)
			if err != nil {
				return err
			}
			client.SetUDPBind(pc.LocalAddr())
			logger.Info("udp relay listening", slog.String(logging.KeyAddress, pc.LocalAddr().String()))
			go func() { errc <- udpClient.Serve(ctx, pc) }()
		}

		logger.Info("socks5 listening",
			slog.String(logging.KeyAddress, cfg.Client.Listen),
			slog.String(logging.KeyMethod, cfg.Cipher.Method))
		go func() { errc <- client.Serve(ctx, ln) }()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errc:
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}
}

// resolvePassword returns the configured password, falling back to an
// interactive no-echo prompt when the terminal allows it.
func resolvePassword(cfg *config.Config) (string, error) {
	if pw, err := cfg.ResolvePassword(); err == nil {
		return pw, nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no password configured and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("empty password")
	}
	return string(raw), nil
}

func setupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive configuration wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := wizard.New()
			if existing, err := config.Load(configPath); err == nil {
				w.SetExisting(existing)
			}
			_, err := w.Run(configPath)
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "where to write the configuration")
	return cmd
}

func methodsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "methods",
		Short: "List supported cipher methods",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%-24s %5s %6s %4s\n", "METHOD", "KEY", "NONCE", "TAG")
			for _, name := range cipher.Methods() {
				spec, err := cipher.LookupSpec(name)
				if err != nil {
					continue
				}
				fmt.Printf("%-24s %5d %6d %4d\n", spec.Name, spec.KeySize, spec.NonceSize, spec.TagSize)
			}
		},
	}
}

func statusCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show traffic statistics from a running proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(metricsAddr)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics", "127.0.0.1:9090", "metrics endpoint of the running proxy")
	return cmd
}

// showStatus fetches the Prometheus exposition and renders the interesting
// counters.
func showStatus(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/metrics")
	if err != nil {
		return fmt.Errorf("fetch metrics (is the proxy running with metrics enabled?): %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metrics endpoint returned %s", resp.Status)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return fmt.Errorf("parse metrics: %w", err)
	}

	value := func(name string) float64 {
		fam, ok := families[name]
		if !ok || len(fam.GetMetric()) == 0 {
			return 0
		}
		var total float64
		for _, m := range fam.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
		return total
	}

	rows := []struct {
		label  string
		metric string
		bytes  bool
	}{
		{"Active connections", "fuckshadows_connections_active", false},
		{"Total connections", "fuckshadows_connections_total", false},
		{"Bytes sent", "fuckshadows_bytes_sent_total", true},
		{"Bytes received", "fuckshadows_bytes_received_total", true},
		{"Active UDP associations", "fuckshadows_udp_associations_active", false},
		{"UDP packets sent", "fuckshadows_udp_packets_sent_total", false},
		{"UDP packets received", "fuckshadows_udp_packets_received_total", false},
		{"Auth failures", "fuckshadows_auth_failures_total", false},
		{"Replay drops", "fuckshadows_replay_drops_total", false},
	}

	for _, row := range rows {
		v := value(row.metric)
		if row.bytes {
			fmt.Printf("%-26s %s\n", row.label, humanize.Bytes(uint64(v)))
		} else {
			fmt.Printf("%-26s %.0f\n", row.label, v)
		}
	}

	// Anything else in our namespace, so new counters show up without a
	// client update.
	var extra []string
	for name := range families {
		if !strings.HasPrefix(name, "fuckshadows_") {
			continue
		}
		known := false
		for _, row := range rows {
			if row.metric == name {
				known = true
				break
			}
		}
		if !known {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		fmt.Printf("%-26s %.0f\n", strings.TrimPrefix(name, "fuckshadows_"), value(name))
	}

	return nil
}
