package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sync/atomic"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/ackpine/internal/domain/events"
	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/backend/privileged"
	"github.com/ahrav/ackpine/pkg/ackpine"
	"github.com/ahrav/ackpine/pkg/common"
	"github.com/ahrav/ackpine/pkg/config"
)

func (e *env) install(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	name := fs.String("name", "", "package name reported by the installer")
	immediate := fs.Bool("immediate", false, "show the confirmation right away instead of posting a notification")
	intent := fs.Bool("intent", false, "use the intent-based installer")
	useADB := fs.Bool("adb", false, "install through adb without confirmation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("install: no apk given")
	}

	b := session.NewInstallBuilder(fs.Args()...).SetName(*name)
	if *immediate {
		b.SetConfirmation(session.ConfirmationImmediate)
	}
	if *intent {
		b.SetInstallerType(session.InstallerIntentBased)
	}
	if *useADB {
		b.UsePlugin(privileged.Plugin{}, nil)
	}

	s, err := e.ackpine.Installer().CreateSession(ctx, b)
	if err != nil {
		return err
	}
	return e.await(ctx, s)
}

func (e *env) uninstall(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("uninstall", flag.ContinueOnError)
	immediate := fs.Bool("immediate", false, "show the confirmation right away instead of posting a notification")
	intent := fs.Bool("intent", false, "use the intent-based uninstaller")
	useADB := fs.Bool("adb", false, "uninstall through adb without confirmation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("uninstall: expected exactly one package name")
	}

	b := session.NewUninstallBuilder(fs.Arg(0))
	if *immediate {
		b.SetConfirmation(session.ConfirmationImmediate)
	}
	if *intent {
		b.SetUninstallerType(session.UninstallerIntentBased)
	}
	if *useADB {
		b.UsePlugin(privileged.Plugin{}, nil)
	}

	s, err := e.ackpine.Uninstaller().CreateSession(ctx, b)
	if err != nil {
		return err
	}
	return e.await(ctx, s)
}

func (e *env) await(ctx context.Context, s *ackpine.Session) error {
	st, err := ackpine.Await(ctx, s)
	fmt.Fprintf(e.out, "%s %s %s\n", s.ID(), s.Type(), st)
	return err
}

func (e *env) list(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	active := fs.Bool("active", false, "only list sessions that have not finished")
	if err := fs.Parse(args); err != nil {
		return err
	}

	installs, uninstalls := e.ackpine.Installer().GetSessionsAsync(ctx), e.ackpine.Uninstaller().GetSessionsAsync(ctx)
	if *active {
		installs, uninstalls = e.ackpine.Installer().GetActiveSessionsAsync(ctx), e.ackpine.Uninstaller().GetActiveSessionsAsync(ctx)
	}
	in, err := installs.Get(ctx)
	if err != nil {
		return err
	}
	un, err := uninstalls.Get(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATE\tCREATED")
	for _, s := range append(in, un...) {
		rec := s.Record()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID(), s.Type(), s.State(), rec.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

// serve resumes every unfinished session, prints state changes and serves
// prometheus metrics and health checks until ctx is done. Config file edits adjust the
// notification rate limit while running.
func (e *env) serve(ctx context.Context) error {
	reg := common.NewMetricsRegistry()
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ackpine",
		Name:      "session_transitions_total",
		Help:      "Session state transitions observed by ackpinectl.",
	}, []string{"type", "state"})
	reg.MustRegister(transitions)

	err := e.ackpine.StatusBroker().Subscribe(ctx, []events.EventType{session.EventTypeSessionStateChanged},
		func(ctx context.Context, evt events.EventEnvelope) error {
			ev, ok := evt.Payload.(session.StateChangedEvent)
			if !ok {
				return nil
			}
			transitions.WithLabelValues(string(ev.Type), string(ev.To.Kind)).Inc()
			fmt.Fprintf(e.out, "%s %s %s -> %s\n", ev.SessionID, ev.Type, ev.From, ev.To)
			return nil
		})
	if err != nil {
		return fmt.Errorf("subscribing to session events: %w", err)
	}

	ready := new(atomic.Bool)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.log.Info(ctx, "serving metrics and health checks", "addr", e.cfg.Telemetry.MetricsAddr)
		return common.RunOpsServer(ctx, e.cfg.Telemetry.MetricsAddr, reg, ready)
	})
	if e.cfgPath != "" {
		w := config.NewWatcher(e.cfgPath, config.NewEnvLoader(config.NewFileLoader(e.cfgPath)), e.ackpine.ApplyConfig, e.log)
		g.Go(func() error { return w.Watch(ctx) })
	}

	resumed, err := e.resume(ctx)
	if err != nil {
		return err
	}
	ready.Store(true)
	e.log.Info(ctx, "ackpinectl serving", "resumed", resumed)

	<-ctx.Done()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// resume drives the sessions left unfinished by an earlier run.
func (e *env) resume(ctx context.Context) (int, error) {
	in, err := e.ackpine.Installer().GetActiveSessionsAsync(ctx).Get(ctx)
	if err != nil {
		return 0, err
	}
	un, err := e.ackpine.Uninstaller().GetActiveSessionsAsync(ctx).Get(ctx)
	if err != nil {
		return 0, err
	}

	// Shutting down leaves the sessions for the next run to pick up.
	awaitCtx := context.WithoutCancel(ctx)
	all := append(in, un...)
	for _, s := range all {
		go func() {
			st, err := ackpine.Await(awaitCtx, s)
			if err != nil {
				e.log.Warn(ctx, "resumed session did not succeed", "session_id", s.ID().String(), "error", err)
				return
			}
			e.log.Info(ctx, "resumed session finished", "session_id", s.ID().String(), "state", st.String())
		}()
	}
	return len(all), nil
}
