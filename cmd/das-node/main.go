package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"golang.org/x/exp/slog"

	das "github.com/libp2p/go-libp2p-das"
	"github.com/libp2p/go-libp2p-das/identity"
	"github.com/libp2p/go-libp2p-das/tele"
)

func main() {
	app := &cli.App{
		Name:   "das-node",
		Usage:  "a data availability sampling peer",
		Action: daemonAction,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a YAML configuration file",
				EnvVars: []string{"DAS_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "host",
				Usage:   "the network das-node should bind on",
				Value:   cfg.Host,
				EnvVars: []string{"DAS_HOST"},
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "the port on which das-node should listen on",
				Value:   cfg.Port,
				EnvVars: []string{"DAS_PORT"},
			},
			&cli.BoolFlag{
				Name:    "server",
				Usage:   "answer DHT queries and store records of other peers",
				Value:   cfg.Server,
				EnvVars: []string{"DAS_SERVER"},
			},
			&cli.StringFlag{
				Name:    "seed",
				Usage:   "derive the node identity from this seed",
				EnvVars: []string{"DAS_SEED"},
			},
			&cli.StringFlag{
				Name:    "key",
				Usage:   "hex encoded ed25519 secret key of the node",
				EnvVars: []string{"DAS_KEY"},
			},
			&cli.StringSliceFlag{
				Name:    "bootstrap",
				Usage:   "multiaddress of a bootstrap peer, including /p2p",
				EnvVars: []string{"DAS_BOOTSTRAP"},
			},
			&cli.StringSliceFlag{
				Name:    "relay",
				Usage:   "multiaddress of a circuit relay, including /p2p",
				EnvVars: []string{"DAS_RELAY"},
			},
			&cli.BoolFlag{
				Name:    "mdns",
				Usage:   "discover peers on the local network",
				Value:   cfg.MDNS,
				EnvVars: []string{"DAS_MDNS"},
			},
			&cli.StringFlag{
				Name:    "metrics-host",
				Usage:   "the network das-node metrics should bind on",
				Value:   cfg.MetricsHost,
				EnvVars: []string{"DAS_METRICS_HOST"},
			},
			&cli.IntFlag{
				Name:    "metrics-port",
				Usage:   "the port on which das-node metrics should listen on",
				Value:   cfg.MetricsPort,
				EnvVars: []string{"DAS_METRICS_PORT"},
			},
			&cli.StringFlag{
				Name:    "trace-host",
				Usage:   "the OTLP collector das-node traces should be pushed to",
				Value:   cfg.TraceHost,
				EnvVars: []string{"DAS_TRACE_HOST"},
			},
			&cli.IntFlag{
				Name:    "trace-port",
				Usage:   "the port of the OTLP collector",
				Value:   cfg.TracePort,
				EnvVars: []string{"DAS_TRACE_PORT"},
			},
		},
	}

	sigs := make(chan os.Signal, 1)
	ctx, cancel := context.WithCancel(context.Background())

	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	go func() {
		sig := <-sigs
		slog.Info("Received signal - Stopping...", "signal", sig.String())
		signal.Stop(sigs)
		cancel()
	}()

	if err := app.RunContext(ctx, os.Args); err != nil {
		slog.Error("application error", "err", err)
		os.Exit(1)
	}
}

// applyFlags overrides cfg with every flag that was set explicitly, so that
// flags take precedence over the configuration file.
func applyFlags(cCtx *cli.Context) {
	if cCtx.IsSet("host") {
		cfg.Host = cCtx.String("host")
	}
	if cCtx.IsSet("port") {
		cfg.Port = cCtx.Int("port")
	}
	if cCtx.IsSet("server") {
		cfg.Server = cCtx.Bool("server")
	}
	if cCtx.IsSet("seed") {
		cfg.Identity = identity.Source{Seed: cCtx.String("seed")}
	}
	if cCtx.IsSet("key") {
		cfg.Identity = identity.Source{Key: cCtx.String("key")}
	}
	if cCtx.IsSet("bootstrap") {
		cfg.Bootstraps = cCtx.StringSlice("bootstrap")
	}
	if cCtx.IsSet("relay") {
		cfg.Relays = cCtx.StringSlice("relay")
	}
	if cCtx.IsSet("mdns") {
		cfg.MDNS = cCtx.Bool("mdns")
	}
	if cCtx.IsSet("metrics-host") {
		cfg.MetricsHost = cCtx.String("metrics-host")
	}
	if cCtx.IsSet("metrics-port") {
		cfg.MetricsPort = cCtx.Int("metrics-port")
	}
	if cCtx.IsSet("trace-host") {
		cfg.TraceHost = cCtx.String("trace-host")
	}
	if cCtx.IsSet("trace-port") {
		cfg.TracePort = cCtx.Int("trace-port")
	}
}

func daemonAction(cCtx *cli.Context) error {
	if path := cCtx.String("config"); path != "" {
		cfg.ConfigFile = path
		if err := cfg.loadFile(path); err != nil {
			return err
		}
	}
	applyFlags(cCtx)

	slog.Info("Starting das-node with configuration:")
	fmt.Println(cfg.String())

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("new prometheus exporter: %w", err)
	}
	meterProvider := metric.NewMeterProvider(append(tele.MeterProviderOpts, metric.WithReader(exporter))...)

	tracerProvider, err := traceProvider(cCtx.Context)
	if err != nil {
		return fmt.Errorf("new trace provider: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerProvider.Shutdown(ctx)
	}()

	go serveMetrics()

	id, err := identity.New(cfg.Identity)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	nodeConfig, err := cfg.nodeConfig()
	if err != nil {
		return err
	}
	nodeConfig.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	nodeConfig.MeterProvider = meterProvider
	nodeConfig.TracerProvider = tracerProvider

	client, loop, err := das.New(cCtx.Context, id, nodeConfig)
	if err != nil {
		return fmt.Errorf("new node: %w", err)
	}
	defer client.Close()

	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Run(cCtx.Context) }()

	slog.Info("Created node", "peerID", id.ID.String())

	addrs, err := client.ListenAddrs(cCtx.Context)
	if err != nil {
		return fmt.Errorf("listen addresses: %w", err)
	}
	for i, addr := range addrs {
		slog.Info(fmt.Sprintf("  [%d] %s/p2p/%s", i, addr, id.ID))
	}

	if err := client.Bootstrap(cCtx.Context); err != nil {
		slog.Warn("bootstrap failed", "err", err)
	}

	slog.Info("Initialized")

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cCtx.Context.Done():
			<-loop.Done()
			return nil
		case err := <-loopErr:
			return err
		case <-ticker.C:
			n, err := client.CountDHTEntries(cCtx.Context)
			if err != nil {
				slog.Warn("counting dht entries failed", "err", err)
				continue
			}
			slog.Info("routing table", "peers", n)
		}
	}
}

func serveMetrics() {
	addr := fmt.Sprintf("%s:%d", cfg.MetricsHost, cfg.MetricsPort)

	slog.Info("serving metrics", "endpoint", addr+"/metrics")
	http.Handle("/metrics", promhttp.Handler())
	err := http.ListenAndServe(addr, nil)
	if err != nil {
		slog.Warn("error serving metrics", "err", err.Error())
		return
	}
}

func traceProvider(ctx context.Context) (*trace.TracerProvider, error) {
	endpoint := fmt.Sprintf("%s:%d", cfg.TraceHost, cfg.TracePort)
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("das-node"),
			semconv.DeploymentEnvironmentKey.String("production"),
		)),
	)

	return tp, nil
}
