// Command ackpinectl drives install and uninstall sessions against an
// emulated device, or a real one over adb, from the command line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/natefinch/lumberjack"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/ackpine/internal/infra/emulator"
	"github.com/ahrav/ackpine/internal/infra/eventbus/memory"
	"github.com/ahrav/ackpine/pkg/ackpine"
	"github.com/ahrav/ackpine/pkg/common/logger"
	"github.com/ahrav/ackpine/pkg/common/otel"
	"github.com/ahrav/ackpine/pkg/config"
)

const serviceName = "ackpinectl"

const usage = `usage: ackpinectl [-config file] [-answer accept|reject|manual] <command> [flags] [args]

commands:
  install    [-name pkg] [-immediate] [-intent] [-adb] apk...
  uninstall  [-immediate] [-intent] [-adb] package
  list       [-active]
  serve      resume unfinished sessions and serve /metrics until interrupted
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "ackpinectl:", err)
		os.Exit(1)
	}
}

// env is what every command runs with.
type env struct {
	cfg     *config.Config
	log     *logger.Logger
	tracer  trace.Tracer
	device  *emulator.Device
	ackpine *ackpine.Ackpine
	out     io.Writer
	cfgPath string
}

func run(args []string, out io.Writer) error {
	_, _ = maxprocs.Set()

	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	cfgPath := fs.String("config", "", "path to a YAML config file")
	answer := fs.String("answer", "accept", "how the emulated user answers prompts: accept, reject or manual")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}
	policy, err := parsePolicy(*answer)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var base config.Loader
	if *cfgPath != "" {
		base = config.NewFileLoader(*cfgPath)
	}
	cfg, err := config.NewEnvLoader(base).Load(ctx)
	if err != nil {
		return err
	}

	log := newLogger(cfg.Log)

	var tp trace.TracerProvider = noop.NewTracerProvider()
	if cfg.Telemetry.Enabled {
		hostname, _ := os.Hostname()
		var teardown func(context.Context)
		tp, teardown, err = otel.InitTelemetry(log, otel.Config{
			ServiceName:      serviceName,
			ExporterEndpoint: cfg.Telemetry.Endpoint,
			ExcludedSpans: map[string]struct{}{
				"postgres.session.touch_launch": {},
				"postgres.session.touch_commit": {},
			},
			Probability: cfg.Telemetry.Probability,
			ResourceAttributes: map[string]string{
				"library.language": "go",
				"host.name":        hostname,
			},
			InsecureExporter: cfg.Telemetry.Insecure,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer teardown(context.Background())
	}
	tracer := tp.Tracer(serviceName)

	broker := memory.NewBroker()
	defer broker.Close()
	device := emulator.New(broker, policy, log, tracer)

	a, err := ackpine.Init(ctx, cfg,
		ackpine.WithLogger(log),
		ackpine.WithTracerProvider(tp),
		ackpine.WithStatusBroker(broker),
		ackpine.WithPackageInstaller(device),
		ackpine.WithConfirmationHost(device, device),
	)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Teardown(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "failed to tear down", "error", err)
		}
	}()

	e := &env{cfg: cfg, log: log, tracer: tracer, device: device, ackpine: a, out: out, cfgPath: *cfgPath}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "install":
		return e.install(ctx, rest)
	case "uninstall":
		return e.uninstall(ctx, rest)
	case "list":
		return e.list(ctx, rest)
	case "serve":
		return e.serve(ctx)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func parsePolicy(s string) (emulator.Policy, error) {
	switch s {
	case "accept":
		return emulator.PolicyAccept, nil
	case "reject":
		return emulator.PolicyReject, nil
	case "manual":
		return emulator.PolicyManual, nil
	}
	return 0, fmt.Errorf("unknown answer %q", s)
}

// newLogger logs JSON to stderr, or to a rotated file when one is configured.
// With a log file, error records are also echoed to stderr with their trace id.
func newLogger(cfg config.LogConfig) *logger.Logger {
	var w io.Writer = os.Stderr
	if cfg.File != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
	}

	events := logger.Events{}
	if cfg.File != "" {
		events.Error = func(ctx context.Context, r logger.Record) {
			attrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				attrs[k] = v
			}
			details, err := json.Marshal(attrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, details)
		}
	}

	hostname, _ := os.Hostname()
	metadata := map[string]string{
		"service":  serviceName,
		"hostname": hostname,
	}
	return logger.NewWithMetadata(w, logger.ParseLevel(cfg.Level), serviceName, otel.GetTraceID, events, metadata)
}
