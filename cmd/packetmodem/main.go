package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/packetmodem/pkg/capture"
	"github.com/codelaboratoryltd/packetmodem/pkg/config"
	"github.com/codelaboratoryltd/packetmodem/pkg/metrics"
	"github.com/codelaboratoryltd/packetmodem/pkg/packetserver"
	"github.com/codelaboratoryltd/packetmodem/pkg/ppp"
	"github.com/codelaboratoryltd/packetmodem/pkg/radius"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "packetmodem",
	Short: "Dial-up packet server for emulated modems",
	Long: `packetmodem - logs in guests calling over an emulated serial line and
bridges their SLIP, PPP, IPX or PPPoE traffic onto an Ethernet interface.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the packet server",
	RunE:  runServer,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file and exit",
	RunE:  checkConfig,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("packetmodem %s (commit: %s)\n", version, commit)
	},
}

var (
	configFile  string
	logLevel    string
	listenAddr  string
	iface       string
	metricsAddr string
	dryRun      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/packetmodem/config.yaml",
		"Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")

	runCmd.Flags().StringVar(&listenAddr, "listen", "",
		"TCP address guests dial (overrides config)")
	runCmd.Flags().StringVarP(&iface, "interface", "i", "",
		"Network interface for guest traffic (overrides config)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"Prometheus metrics listen address (overrides config)")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"Use an in-memory interface instead of the host network")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)

	sc, err := cfg.ToServerConfig()
	if err != nil {
		return err
	}

	logger.Info("Starting packetmodem",
		zap.String("version", version),
		zap.String("interface", cfg.Interface),
		zap.String("listen", cfg.Listen),
		zap.Bool("dry_run", dryRun),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	link, err := openInterface(cfg, &sc, logger)
	if err != nil {
		return err
	}
	defer link.Close()

	m := metrics.New(nil, logger)
	if err := m.Register(); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	if cfg.RADIUS.Enabled() {
		rc, err := cfg.RADIUSClientConfig()
		if err != nil {
			return err
		}
		client, err := radius.NewClient(rc, logger)
		if err != nil {
			return fmt.Errorf("failed to create RADIUS client: %w", err)
		}
		sc.RemoteAuth = func(slot int, peer string) ppp.RemoteAuth {
			tmpl := radius.AuthRequest{NASPort: uint32(slot), CallingID: peer}
			return client.Verifier(ctx, tmpl, m.RecordRADIUSRequest)
		}
		logger.Info("RADIUS verification enabled", zap.Strings("servers", cfg.RADIUS.Servers))
	}

	srv, err := packetserver.NewServer(sc, link, m, logger)
	if err != nil {
		return fmt.Errorf("failed to create packet server: %w", err)
	}
	m.SetSource(srv)
	go m.StartCollector(10*time.Second, ctx.Done())

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("Metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer httpSrv.Close()
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	b := newBridge(srv, sc.PollInterval, logger)
	go func() {
		if err := b.serve(ctx, ln); err != nil {
			logger.Error("Listener failed", zap.Error(err))
			cancel()
		}
	}()
	logger.Info("Accepting guests", zap.String("addr", ln.Addr().String()))

	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("Packet server stopped")
	return nil
}

func checkConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	fmt.Printf("%s: OK (interface %s, listen %s, %d credentials, radius %v)\n",
		configFile, cfg.Interface, cfg.Listen, len(cfg.Credentials), cfg.RADIUS.Enabled())
	return nil
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist.
func loadConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Config file not found, using defaults", zap.String("path", configFile))
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	logger.Info("Loaded config file", zap.String("path", configFile))
	return cfg, nil
}

// applyFlags overrides file values with flags given on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("listen") {
		cfg.Listen = listenAddr
	}
	if cmd.Flags().Changed("interface") {
		cfg.Interface = iface
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
}

// openInterface opens the capture link, filling in the server MAC from it
// when the config leaves it empty, and wraps it in a pcap tap if asked.
func openInterface(cfg *config.Config, sc *packetserver.Config, logger *zap.Logger) (capture.Interface, error) {
	var link capture.Interface
	if dryRun {
		link = capture.NewMemory(capture.DefaultRecvTimeout)
		if sc.MAC == nil {
			sc.MAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
		}
	} else {
		sock, err := capture.Open(cfg.Interface, capture.Options{
			Promiscuous: true,
			RecvTimeout: capture.DefaultRecvTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", cfg.Interface, err)
		}
		if sc.MAC == nil {
			sc.MAC = sock.MAC()
		}
		link = sock
	}

	if cfg.CaptureTap != "" {
		tap, err := capture.OpenTap(link, cfg.CaptureTap)
		if err != nil {
			link.Close()
			return nil, err
		}
		logger.Info("Recording frames", zap.String("path", cfg.CaptureTap))
		link = tap
	}
	return link, nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zapLevel
	zcfg.Encoding = "json"

	return zcfg.Build()
}
