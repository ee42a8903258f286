package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Strum355/log"
	"github.com/go-chi/chi"
	"github.com/spf13/viper"

	"github.com/2a46m4/kawakaze/app/api"
	"github.com/2a46m4/kawakaze/app/config"
	"github.com/2a46m4/kawakaze/app/connections"
	"github.com/2a46m4/kawakaze/app/helpers"
	"github.com/2a46m4/kawakaze/app/metrics"
	"github.com/2a46m4/kawakaze/app/repositories/jail"
	"github.com/2a46m4/kawakaze/app/repositories/network"
	"github.com/2a46m4/kawakaze/app/repositories/providers"
	"github.com/2a46m4/kawakaze/app/services"
	"github.com/2a46m4/kawakaze/app/services/bootstrap"
	"github.com/2a46m4/kawakaze/app/services/build"
	"github.com/2a46m4/kawakaze/app/services/cell"
	"github.com/2a46m4/kawakaze/utils/must"
)

func main() {
	must.Do(config.Load)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.WithFields(log.Fields{
			"signal": sig.String(),
		}).Info("shutting down")
		cancel()
	}()

	runner := helpers.NewExecRunner()

	must.Do(func() error {
		return connections.EstablishConnections(ctx, runner)
	})

	config.PrintSettings()

	volumes, err := connections.GetVolumes(ctx, runner)
	must.Do(func() error { return err })
	recs, err := connections.GetRecords(ctx)
	must.Do(func() error { return err })
	allocations, err := connections.GetAllocations(ctx)
	must.Do(func() error { return err })

	alloc, err := network.NewAllocator(viper.GetString("network.cidr"), allocations)
	must.Do(func() error { return err })
	net := network.NewManager(runner, alloc, network.Config{
		Bridge: viper.GetString("network.bridge"),
		Egress: viper.GetString("network.egress"),
		NAT:    viper.GetBool("network.nat"),
	})
	must.Do(func() error {
		return net.Start(ctx)
	})

	if addr := viper.GetString("metrics.address"); addr != "" {
		metrics.Serve(ctx, addr)
	}

	paths := connections.Paths()

	freebsd := bootstrap.NewFreeBSD(runner, viper.GetString("cache.path"), nil)
	freebsd.Mirror = viper.GetString("bootstrap.mirror")

	builds := build.NewEngine(ctx, volumes, recs, runner, freebsd, build.Config{
		Paths:       paths,
		ContextRoot: viper.GetString("build.context_root"),
	})

	cells := cell.NewManager(volumes, recs, jail.NewHost(runner), net, cell.Config{
		Paths:       paths,
		StateDir:    viper.GetString("store.state_dir"),
		StopTimeout: viper.GetDuration("cell.stop_timeout"),
		Restart: cell.RestartConfig{
			Initial: viper.GetDuration("cell.restart_initial"),
			Max:     viper.GetDuration("cell.restart_max"),
			Reset:   viper.GetDuration("cell.restart_reset"),
		},
	})

	orchestrator := services.NewOrchestrator(recs, volumes, builds, cells, paths)
	must.Do(func() error {
		return orchestrator.Init(ctx)
	})

	if viper.GetBool("consul.register") {
		register(ctx)
	}

	a := api.NewAPI(chi.NewRouter())
	a.Init(orchestrator, orchestrator)

	server := api.NewSocketServer(viper.GetString("socket.path"), a)
	must.Do(server.Listen)
	log.Info("API server started")

	if err := server.Serve(ctx); err != nil {
		log.WithError(err).Error("error serving socket")
	}

	cancel()
	orchestrator.Shutdown()
	log.Info("stopped")
}

func register(ctx context.Context) {
	kv, err := connections.GetKV(ctx)
	if err != nil {
		log.WithError(err).Error("failed to get kv store for registration")
		return
	}
	p, ok := kv.(*providers.ConsulProvider)
	if !ok {
		log.Info("service registration needs the consul store driver, skipping")
		return
	}

	hostname, _ := os.Hostname()
	healthy := func() (string, bool) {
		return "ok", true
	}
	if err := p.Register(ctx, "kawakaze", hostname, healthy); err != nil {
		log.WithError(err).Error("failed to register with consul")
	}
}
