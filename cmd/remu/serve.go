//go:build !test

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/remu/internal/api"
	"github.com/jbweber/homelab/remu/internal/config"
	"github.com/jbweber/homelab/remu/internal/datastore"
	"github.com/jbweber/homelab/remu/internal/domain"
	"github.com/jbweber/homelab/remu/internal/mapping"
	"github.com/jbweber/homelab/remu/internal/monitor"
	"github.com/jbweber/homelab/remu/internal/node"
	"github.com/jbweber/homelab/remu/internal/repository"
	"github.com/jbweber/homelab/remu/internal/rpc"
	"github.com/jbweber/homelab/remu/internal/scheduler"
	"github.com/jbweber/homelab/remu/internal/unit"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	*rootOptions
	node      bool
	scheduler bool
	nginx     bool
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node, scheduler and nginx components selected by flags",
		Long: "Run remu components. Without component flags the process is both a node " +
			"and the scheduler.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.node && !opts.scheduler && !opts.nginx {
				opts.node, opts.scheduler = true, true
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.node, "node", false, "run unit lifecycle RPC on the local hypervisor")
	cmd.Flags().BoolVar(&opts.scheduler, "scheduler", false, "run the scheduler, recycling loop and admin API")
	cmd.Flags().BoolVar(&opts.nginx, "nginx", false, "write nginx session mappings on this host")
	return cmd
}

// server holds the components of one serve process
type server struct {
	cfg     *config.Config
	client  *rpc.Client
	methods *rpc.Registry
	metrics *prometheus.Registry
	router  chi.Router
	closers []func()
	log     *log.Entry
}

func serve(ctx context.Context, cfg *config.Config, opts *serveOptions) error {
	codec, err := rpc.NewCodec(cfg.RPCKey)
	if err != nil {
		return fmt.Errorf("%w: rpc_key: %w", config.ErrInvalid, err)
	}

	s := &server{
		cfg:     cfg,
		client:  rpc.NewClient(codec, rpc.ClientOptions{Workers: cfg.RPC.Workers, Timeout: cfg.RPCTimeout()}),
		methods: rpc.NewRegistry(),
		metrics: prometheus.NewRegistry(),
		router:  chi.NewRouter(),
		log:     log.WithField("component", "serve"),
	}
	defer s.close()
	s.closers = append(s.closers, s.client.Close)

	s.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	var manager *unit.Manager
	if opts.node {
		if manager, err = s.setupNode(ctx); err != nil {
			return err
		}
	}

	var nginx *mapping.Nginx
	if opts.nginx {
		if nginx, err = s.setupNginx(); err != nil {
			return err
		}
	}

	var sched *scheduler.Scheduler
	if opts.scheduler {
		if sched, err = s.setupScheduler(ctx, manager, nginx); err != nil {
			return err
		}
	} else {
		s.router.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}

	rpc.NewServer(codec, s.methods).RegisterRoutes(s.router)
	return s.run(ctx, sched)
}

func (s *server) setupNode(ctx context.Context) (*unit.Manager, error) {
	driver, closeDriver, err := openDriver(ctx, s.cfg)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, closeDriver)

	catalog, err := unit.LoadCatalog(s.cfg.TemplatesPath())
	if err != nil {
		return nil, err
	}
	manager := unit.NewManager(driver, catalog, monitor.NewHostSampler("/"))
	if err := node.RegisterHandlers(s.methods, manager); err != nil {
		return nil, err
	}
	s.log.WithField("templates", len(catalog.All())).Info("node lifecycle enabled")
	return manager, nil
}

func (s *server) setupNginx() (*mapping.Nginx, error) {
	nginx, err := mapping.NewNginx(s.cfg.Nginx.ConfigDir, mapping.CommandReloader(s.cfg.Nginx.ReloadCommand))
	if err != nil {
		return nil, err
	}
	if err := mapping.RegisterHandlers(s.methods, nginx); err != nil {
		return nil, err
	}
	s.log.WithField("dir", s.cfg.Nginx.ConfigDir).Info("nginx mappings enabled")
	return nginx, nil
}

func (s *server) setupScheduler(ctx context.Context, manager *unit.Manager, nginx *mapping.Nginx) (*scheduler.Scheduler, error) {
	db, err := s.cfg.InitializeDatabase()
	if err != nil {
		return nil, err
	}
	ds := datastore.NewFromDB(db)
	s.closers = append(s.closers, func() {
		if err := ds.Close(); err != nil {
			s.log.WithError(err).Warn("failed to close datastore")
		}
	})

	nodes := node.NewRegistry(s.client, ds)
	nodes.SetLifecycleTimeout(s.cfg.LifecycleTimeout())
	if manager != nil {
		nodes.Register(s.cfg.Listen.Address, node.NewLocal(manager))
		if err := ensureNode(ctx, ds, s.cfg.Listen.Address, s.cfg.Listen.Port); err != nil {
			return nil, err
		}
	}
	for _, n := range s.cfg.Nodes {
		if err := ensureNode(ctx, ds, n.Address, n.Port); err != nil {
			return nil, err
		}
		if _, err := nodes.Get(ctx, n.Address); err != nil {
			return nil, err
		}
	}
	s.log.WithField("nodes", nodes.Addresses()).Info("node registry ready")
	if err := seedWorkshops(ctx, ds, s.cfg.Workshops); err != nil {
		return nil, err
	}

	publisher, err := s.publisher(nginx)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(ds, nodes, publisher, scheduler.Options{
		PollInterval: s.cfg.PollInterval(),
		RecycleDelay: s.cfg.RecycleDelay(),
		Limits: scheduler.Limits{
			CPU:    s.cfg.Limits.CPU,
			Memory: s.cfg.Limits.Memory,
			Disk:   s.cfg.Limits.Disk,
		},
		StrictTelemetry: s.cfg.StrictTelemetry,
		PasswordLength:  s.cfg.PasswordLength,
	}, scheduler.NewMetrics(s.metrics))
	if err := scheduler.RegisterHandlers(s.methods, sched); err != nil {
		return nil, err
	}
	api.NewAPI(ds, sched, s.metrics).RegisterRoutes(s.router)
	return sched, nil
}

// publisher picks the mapping publishers: nginx on this host, or the remote
// nginx node, plus NATS when configured
func (s *server) publisher(nginx *mapping.Nginx) (mapping.Publisher, error) {
	var pubs mapping.Multi
	switch {
	case nginx != nil:
		pubs = append(pubs, nginx)
	case s.cfg.Nginx.Node != "":
		pubs = append(pubs, mapping.NewRemote(s.client, s.cfg.Nginx.Node, s.cfg.Nginx.NodePort))
	}
	if s.cfg.NATS.URL != "" {
		nc, err := mapping.NewNATS(s.cfg.NATS.URL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, nc.Close)
		pubs = append(pubs, nc)
	}

	switch len(pubs) {
	case 0:
		s.log.Warn("no mapping publisher configured, sessions will not be reachable through a proxy")
		return mapping.Nop{}, nil
	case 1:
		return pubs[0], nil
	}
	return pubs, nil
}

func (s *server) run(ctx context.Context, sched *scheduler.Scheduler) error {
	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	loopDone := make(chan struct{})
	if sched != nil {
		if s.cfg.Prewarm {
			if err := sched.Prewarm(ctx); err != nil {
				s.log.WithError(err).Warn("prewarm failed")
			}
		}
		go func() {
			defer close(loopDone)
			if err := sched.Run(loopCtx); err != nil {
				s.log.WithError(err).Error("recycling loop failed")
			}
		}()
	} else {
		close(loopDone)
	}

	srv := &http.Server{Addr: s.cfg.ListenAddr(), Handler: s.router}
	serveErr := make(chan error, 1)
	go func() {
		s.log.WithField("addr", srv.Addr).Info("listening")
		serveErr <- srv.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
		s.log.Info("shutting down")
	case err = <-serveErr:
		s.log.WithError(err).Error("http server failed")
	}

	stopLoop()
	<-loopDone

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		s.log.WithError(shutdownErr).Warn("http shutdown incomplete")
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

// close releases resources in reverse order of acquisition
func (s *server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func ensureNode(ctx context.Context, ds *datastore.Datastore, address string, port int) error {
	err := ds.InsertNode(ctx, domain.Node{Address: address, Port: port})
	if err != nil && !errors.Is(err, repository.ErrDuplicate) {
		return fmt.Errorf("failed to register node %s: %w", address, err)
	}
	return nil
}

func seedWorkshops(ctx context.Context, ds *datastore.Datastore, workshops []config.WorkshopConfig) error {
	for _, wc := range workshops {
		w := domain.Workshop{
			Name:         wc.Name,
			Label:        wc.Label,
			Description:  wc.Description,
			MinInstances: wc.MinInstances,
			MaxInstances: wc.MaxInstances,
			Enabled:      wc.Enabled,
		}
		if existing, err := ds.GetWorkshop(ctx, wc.Name); err == nil {
			w.ID = existing.ID
		} else if !datastore.IsNotFound(err) {
			return err
		}
		if _, err := ds.SaveWorkshop(ctx, w); err != nil {
			return fmt.Errorf("failed to seed workshop %s: %w", wc.Name, err)
		}
	}
	return nil
}
