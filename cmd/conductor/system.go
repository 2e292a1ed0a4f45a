package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/conductor/internal/api"
	"github.com/mattjoyce/conductor/internal/auth"
	"github.com/mattjoyce/conductor/internal/config"
	"github.com/mattjoyce/conductor/internal/deployment"
	"github.com/mattjoyce/conductor/internal/dispatch"
	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/handlers"
	"github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/provider/rest"
	"github.com/mattjoyce/conductor/internal/queue"
	"github.com/mattjoyce/conductor/internal/resolver"
	"github.com/mattjoyce/conductor/internal/scheduler"
	"github.com/mattjoyce/conductor/internal/sink"
	"github.com/mattjoyce/conductor/internal/state"
	"github.com/mattjoyce/conductor/internal/webhook"
	"github.com/mattjoyce/conductor/internal/workflow"
)

// system is every long-running component built from one configuration.
type system struct {
	hub       *events.Hub
	metrics   *metrics.Metrics
	engine    *workflow.Engine
	queue     *queue.Queue
	results   *state.Store
	resolver  *resolver.Resolver
	intake    *dispatch.Intake
	scheduler *scheduler.Scheduler
	api       *api.Server
	webhooks  *webhook.Server
	closers   []func(context.Context) error
	logger    *slog.Logger
}

// newResolver merges the built-in catalog and registrations with the
// configured ones. Configured registrations win.
func newResolver(cfg *config.Config) (*resolver.Resolver, *resolver.Catalog, *resolver.Table, error) {
	types := append(handlers.CatalogTypes(), cfg.Types...)
	catalog, err := resolver.NewCatalog(types...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build type catalog: %w", err)
	}
	registrations := handlers.DefaultRegistrations()
	maps.Copy(registrations, cfg.Registrations)
	table := resolver.NewTable(registrations, cfg.Ignored)
	return resolver.New(catalog, table), catalog, table, nil
}

// supportedTypes lists concrete catalog types that resolve to a handler or
// are ignored.
func supportedTypes(r *resolver.Resolver, catalog *resolver.Catalog) []string {
	var out []string
	for _, t := range catalog.Types() {
		if t.Interface {
			continue
		}
		if _, _, err := r.Explain(t.Name); err == nil {
			out = append(out, t.Name)
		}
	}
	return out
}

// builtinHandlers names the handler workflows newSystem registers.
func builtinHandlers() []string {
	return []string{handlers.DeployHandler}
}

func dispatchPolicies(cfg *config.Config) dispatch.Policies {
	def := dispatch.DefaultPolicies()
	return dispatch.Policies{
		MarkRunning: cfg.RetryPolicy(config.PolicyMarkRunning, def.MarkRunning),
		Resolve:     cfg.RetryPolicy(config.PolicyDispatch, def.Resolve),
		Deliver:     cfg.RetryPolicy(config.PolicyDeliver, def.Deliver),
	}
}

func deploymentPolicies(cfg *config.Config) deployment.Policies {
	def := deployment.DefaultPolicies()
	return deployment.Policies{
		Start:  cfg.RetryPolicy(config.PolicyStart, def.Start),
		State:  cfg.RetryPolicy(config.PolicyState, def.State),
		Errors: cfg.RetryPolicy(config.PolicyErrors, def.Errors),
		Output: cfg.RetryPolicy(config.PolicyOutput, def.Output),
		Delete: cfg.RetryPolicy(config.PolicyDelete, def.Delete),
	}
}

// newSystem wires storage, the engine, workflows, sinks, and the outer
// loops. db must already be bootstrapped.
func newSystem(ctx context.Context, cfg *config.Config, db *sql.DB, clock workflow.Clock) (*system, error) {
	s := &system{
		hub:     events.NewHub(256),
		metrics: metrics.New(),
		logger:  log.WithComponent("system"),
	}

	s.engine = workflow.NewEngine(workflow.NewStore(db),
		workflow.WithClock(clock),
		workflow.WithLogger(log.WithComponent("workflow")),
		workflow.WithHooks(workflow.Hooks{
			OnAttempt: func(activity string, _ int, err error) {
				s.metrics.ActivityAttempt(activity, err)
			},
			OnAdvance: func(inst *workflow.Instance, elapsed time.Duration) {
				s.metrics.WorkflowAdvanced(inst.Workflow, string(inst.Status), elapsed)
				s.hub.Publish(events.WorkflowAdvanced, map[string]any{
					"instance_id": inst.ID,
					"workflow":    inst.Workflow,
					"status":      inst.Status,
				})
			},
		}),
	)
	s.queue = queue.New(db).WithClock(clock.Now)
	s.results = state.NewStore(db).WithClock(clock.Now)

	r, catalog, table, err := newResolver(cfg)
	if err != nil {
		return nil, err
	}
	s.resolver = r

	provider, err := rest.New(rest.Config{
		BaseURL: cfg.Deployment.Provider.BaseURL,
		Token:   cfg.Deployment.Provider.Token,
		Timeout: cfg.Deployment.Provider.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("deployment provider: %w", err)
	}
	machine := deployment.NewMachine(provider,
		deployment.WithTiming(deployment.Timing{
			PollInterval: cfg.Deployment.PollInterval,
			Retention:    cfg.Deployment.Retention,
			MaxStalls:    cfg.Deployment.MaxStalls,
		}),
		deployment.WithPolicies(deploymentPolicies(cfg)),
		deployment.WithEvents(s.hub),
		deployment.WithMetrics(s.metrics),
	)

	sinkOpts := []sink.Option{
		sink.WithHTTP(sink.NewHTTPSink(cfg.Sinks.Callback.Secret, cfg.Sinks.Callback.Timeout)),
		sink.WithMetrics(s.metrics),
		sink.WithLogger(log.WithComponent("sink")),
	}
	if m := cfg.Sinks.MQTT; m != nil {
		pub, err := sink.DialMQTT(ctx, sink.MQTTConfig{
			BrokerURL: m.BrokerURL,
			ClientID:  m.ClientID,
			Username:  m.Username,
			Password:  m.Password,
			QoS:       m.QoS,
		}, log.WithComponent("mqtt"))
		if err != nil {
			return nil, fmt.Errorf("mqtt sink: %w", err)
		}
		s.closers = append(s.closers, pub.Close)
		sinkOpts = append(sinkOpts, sink.WithMQTT(sink.NewMQTTSink(pub, m.TopicPrefix)))
	}

	orch := dispatch.NewOrchestrator(r, s.results, sink.NewComposite(sinkOpts...),
		dispatch.WithPolicies(dispatchPolicies(cfg)),
		dispatch.WithEvents(s.hub),
		dispatch.WithMetrics(s.metrics),
	)
	if err := s.engine.Register(orch.Definition()); err != nil {
		return nil, err
	}
	if err := s.engine.Register(handlers.Definitions(machine)...); err != nil {
		return nil, err
	}
	if err := dispatch.VerifyHandlers(s.engine, table.HandlerNames()); err != nil {
		return nil, err
	}

	s.intake = dispatch.NewIntake(s.queue, s.engine,
		dispatch.WithPollInterval(cfg.Service.IntakeInterval),
		dispatch.WithIntakeMetrics(s.metrics),
	)
	s.scheduler = scheduler.New(scheduler.Config{
		TickInterval: cfg.Service.TickInterval,
		Workers:      cfg.Service.Workers,
		Retention:    cfg.Service.Retention,
		PruneEvery:   cfg.Service.PruneEvery,
	}, &retentionRunner{Engine: s.engine, queue: s.queue, results: s.results}, s.hub, log.Get())

	if cfg.API.Enabled {
		grants := make([]auth.Grant, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			grants = append(grants, auth.Grant{Token: t.Token, Scopes: t.Scopes})
		}
		s.api = api.New(api.Config{
			Listen:       cfg.API.Listen,
			APIKey:       cfg.API.Auth.APIKey,
			Tokens:       grants,
			CommandTypes: supportedTypes(r, catalog),
		}, s.queue, s.results, s.hub, s.metrics, log.WithComponent("api"))
	}
	if cfg.Webhooks != nil {
		wcfg, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			return nil, err
		}
		s.webhooks = webhook.New(wcfg, s.queue, s.hub, s.metrics, log.WithComponent("webhook"))
	}
	return s, nil
}

// run blocks until ctx is cancelled or a component fails.
func (s *system) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(s.scheduler.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(s.intake.Start(gctx)) })
	if s.api != nil {
		g.Go(func() error { return ignoreCanceled(s.api.Start(gctx)) })
	}
	if s.webhooks != nil {
		g.Go(func() error { return ignoreCanceled(s.webhooks.Start(gctx)) })
	}
	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range s.closers {
		if cerr := c(closeCtx); cerr != nil {
			s.logger.Warn("close failed", "error", cerr)
		}
	}
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
