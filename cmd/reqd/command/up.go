package command

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"

	"github.com/reqd-dev/reqd/pkg/config"
	"github.com/reqd-dev/reqd/pkg/engine"
	"github.com/reqd-dev/reqd/pkg/eventbus"
	"github.com/reqd-dev/reqd/pkg/flows"
	"github.com/reqd-dev/reqd/pkg/idgen"
	"github.com/reqd-dev/reqd/pkg/interp"
	"github.com/reqd-dev/reqd/pkg/log"
	"github.com/reqd-dev/reqd/pkg/plugins"
	"github.com/reqd-dev/reqd/pkg/scripts"
	"github.com/reqd-dev/reqd/pkg/server"
	"github.com/reqd-dev/reqd/pkg/sessions"
	"github.com/reqd-dev/reqd/pkg/tokens"
	"github.com/reqd-dev/reqd/pkg/workspace"
	"github.com/reqd-dev/reqd/pkg/wsproxy"
	"github.com/reqd-dev/reqd/version"
)

const shutdownGrace = 10 * time.Second

func cmdUp(cliContext *cli.Context) error {
	zapLvl, err := log.ParseLogLevel(cliContext.String("log-level"))
	if err != nil {
		return err
	}
	log.Logger = log.CreateLogger(zapLvl)

	cfg, err := loadConfig(cliContext)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Logger.Infow("starting reqd",
		"version", version.Version,
		"address", cfg.Address,
		"workspaceRoot", cfg.WorkspaceRoot,
		"maxBodyBytes", humanize.IBytes(uint64(cfg.MaxBodyBytes)),
	)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	clock := idgen.NewClock()
	bus := eventbus.New(clock)
	defer bus.CloseAll()

	sessionMgr := sessions.NewManager(clock, sessions.WithMaxSessions(cfg.MaxSessions))
	defer sessionMgr.Stop()

	flowMgr := flows.NewManager(clock, bus,
		flows.WithMaxFlows(cfg.MaxFlows),
		flows.WithMaxExecutionsPerFlow(cfg.MaxExecutionsPerFlow),
		flows.WithSessionValidator(func(id string) bool {
			_, gerr := sessionMgr.Get(id)
			return gerr == nil
		}),
	)
	defer flowMgr.Stop()

	resolvers := interp.NewRegistry()
	dispatcher := plugins.NewDispatcher(clock)

	eng := engine.New(cfg, clock, bus, sessionMgr, flowMgr, dispatcher, resolvers)
	defer eng.Close()

	tokenMgr := tokens.NewManager(clock)

	store, err := workspace.NewStore(cfg.WorkspaceRoot)
	if err != nil {
		return err
	}
	defer store.Close()

	wsMgr := wsproxy.NewManager(clock, wsproxy.WithMaxSessions(cfg.MaxWsSessions))
	defer wsMgr.Dispose()

	scriptMgr := scripts.NewManager(clock, bus, flowMgr, tokenMgr, cfg.WorkspaceRoot,
		scripts.WithAddress(cfg.Address),
	)

	srv, err := server.New(cfg, server.Deps{
		Sessions:  sessionMgr,
		Flows:     flowMgr,
		Bus:       bus,
		Engine:    eng,
		WsProxy:   wsMgr,
		Scripts:   scriptMgr,
		Tokens:    tokenMgr,
		Workspace: store,
		Plugins:   dispatcher,
		Registry:  prometheus.NewRegistry(),
	})
	if err != nil {
		return err
	}

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start(rootCtx)
	}()

	select {
	case s := <-signals:
		log.Logger.Infow("received signal, shutting down", "signal", s.String())
	case err := <-errc:
		if err != nil {
			return err
		}
	}
	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Logger.Warnw("server shutdown failed", "error", err)
	}
	scriptMgr.Shutdown(shutdownCtx)

	log.Logger.Infow("reqd stopped")
	return nil
}

func loadConfig(cliContext *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	if path := cliContext.String("config"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if addr := cliContext.String("listen-address"); addr != "" {
		cfg.Address = addr
	}
	if root := cliContext.String("workspace"); root != "" {
		cfg.WorkspaceRoot = root
	}
	if token := cliContext.String("token"); token != "" {
		cfg.Token = token
	}
	if lvl := cliContext.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if cliContext.Bool("pprof") {
		cfg.Pprof = true
	}
	return cfg, nil
}
