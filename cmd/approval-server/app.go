package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/ca-approval-backend/api/approvalhandler"
	"github.com/ruteri/ca-approval-backend/api/escrowhandler"
	"github.com/ruteri/ca-approval-backend/approval"
	"github.com/ruteri/ca-approval-backend/archive"
	"github.com/ruteri/ca-approval-backend/auth"
	"github.com/ruteri/ca-approval-backend/config"
	"github.com/ruteri/ca-approval-backend/events"
	"github.com/ruteri/ca-approval-backend/httpserver"
	"github.com/ruteri/ca-approval-backend/interfaces"
	"github.com/ruteri/ca-approval-backend/kms"
	"github.com/ruteri/ca-approval-backend/operations"
	"github.com/ruteri/ca-approval-backend/policy"
	"github.com/ruteri/ca-approval-backend/storage"
)

type appOptions struct {
	trustAdminHeaders bool
	// registry receives the event counters; nil disables them.
	registry  prometheus.Registerer
	namespace string
}

// app holds the wired approval service.
type app struct {
	engine     *approval.Engine
	operations *operations.Registry
	escrow     *kms.KeyEscrow

	approvals *approvalhandler.Handler
	escrowAPI *escrowhandler.Handler

	closers []func() error
	log     *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions, log *slog.Logger) (a *app, err error) {
	a = &app{log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	store, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	if cfg.EphemeralStore() {
		log.Warn("Approval store is in memory, pending approvals are lost on restart", slog.String("store", cfg.StoreURI))
	}

	sealer, err := payloadSealer(cfg, log)
	if err != nil {
		return nil, err
	}

	engineOpts := []approval.Option{
		approval.WithLogger(log),
		approval.WithDefaultTTL(cfg.DefaultTTL),
	}

	if len(cfg.ArchiveURIs) > 0 {
		backend, err := archive.NewBackendFactory(log).MultiBackendFor(cfg.ArchiveURIs)
		if err != nil {
			return nil, fmt.Errorf("creating archive backends: %w", err)
		}
		engineOpts = append(engineOpts, approval.WithArchiver(
			archive.NewArchiver(backend, log, archive.WithRecordTransform(operations.RedactRecord))))
	}

	publisher, err := a.publisher(cfg, opts, log)
	if err != nil {
		return nil, err
	}
	engineOpts = append(engineOpts, approval.WithPublisher(publisher))

	if cfg.Escrow != nil {
		escrow, shares, err := kms.NewEscrowFile(cfg.Escrow.StateFile).Open(ctx, cfg.Escrow.EscrowConfig)
		if err != nil {
			return nil, fmt.Errorf("opening key escrow: %w", err)
		}
		if len(shares) > 0 {
			if cfg.Escrow.SharesDir == "" {
				return nil, errors.New("new key escrow created but no shares_dir configured to hand out its shares")
			}
			if err := kms.WriteShares(cfg.Escrow.SharesDir, shares); err != nil {
				return nil, err
			}
			log.Warn("Created new key escrow, distribute the custodian shares and remove them from disk",
				slog.String("dir", cfg.Escrow.SharesDir), slog.Int("custodians", len(shares)))
		}
		a.escrow = escrow
	}

	a.operations = operations.NewRegistry(a.escrow, log)
	a.operations.SetPayloadSealer(sealer)
	for _, tc := range cfg.CATokens {
		code, err := tc.ActivationCode()
		if err != nil {
			return nil, err
		}
		token, err := kms.NewCAToken(tc.CAID, tc.CommonName, code, tc.Validity)
		if err != nil {
			return nil, fmt.Errorf("creating token for CA %d: %w", tc.CAID, err)
		}
		a.operations.AddCAToken(token)
	}
	engineOpts = append(engineOpts, approval.WithExecutors(a.operations.Executors()))

	gate, err := policy.NewStaticGate(cfg.Policy)
	if err != nil {
		return nil, err
	}

	var authz interfaces.Authorizer = auth.AllowAll{}
	if cfg.AuthorizationEnabled() {
		if authz, err = auth.NewCasbinAuthorizer(cfg.Permissions, cfg.Bindings, log); err != nil {
			return nil, err
		}
	} else {
		log.Warn("No permissions configured, every authenticated admin may perform every action")
	}

	a.engine = approval.NewEngine(store, engineOpts...)

	handlerOpts := []approvalhandler.Option{
		approvalhandler.WithGate(gate),
		approvalhandler.WithAuthorizer(authz),
		approvalhandler.WithPayloadSealer(sealer),
	}
	if opts.trustAdminHeaders {
		handlerOpts = append(handlerOpts, approvalhandler.WithTrustedAdminHeaders())
	}
	a.approvals = approvalhandler.NewHandler(a.engine, log, handlerOpts...)

	if a.escrow != nil {
		a.escrowAPI = escrowhandler.NewHandler(a.escrow, a.operations, authz, opts.trustAdminHeaders, log)
	}

	log.Info("Approval engine ready",
		slog.String("store", cfg.StoreURI),
		slog.Int("archives", len(cfg.ArchiveURIs)),
		slog.Int("caTokens", len(cfg.CATokens)),
		slog.Bool("escrow", a.escrow != nil),
		slog.Bool("rbac", cfg.AuthorizationEnabled()))
	return a, nil
}

func openStore(cfg *config.Config, log *slog.Logger) (interfaces.ApprovalStore, error) {
	store, err := storage.NewStoreFactory(log).StoreFor(cfg.StoreURI)
	if err != nil {
		return nil, fmt.Errorf("opening approval store: %w", err)
	}
	return store, nil
}

// payloadSealer loads the payload key, generating a throwaway one when no key
// file is configured. Sealed payloads then become unreadable after a restart.
func payloadSealer(cfg *config.Config, log *slog.Logger) (*operations.PayloadSealer, error) {
	if cfg.PayloadKeyFile == "" {
		log.Warn("No payload_key_file configured, secret payload fields are sealed with an ephemeral key")
		key, err := operations.GeneratePayloadKey()
		if err != nil {
			return nil, err
		}
		return operations.NewPayloadSealer(key)
	}

	sealer, created, err := operations.LoadPayloadSealer(cfg.PayloadKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading payload key: %w", err)
	}
	if created {
		log.Info("Generated payload sealing key", slog.String("path", cfg.PayloadKeyFile))
	}
	return sealer, nil
}

func (a *app) publisher(cfg *config.Config, opts appOptions, log *slog.Logger) (events.Publisher, error) {
	sinks := events.Multi{events.NewLogSink(log)}
	if opts.registry != nil {
		m, err := events.NewMetricsSink(opts.registry, opts.namespace)
		if err != nil {
			return nil, fmt.Errorf("registering event metrics: %w", err)
		}
		sinks = append(sinks, m)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		k := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		a.closers = append(a.closers, k.Close)
		sinks = append(sinks, k)
	}
	return sinks, nil
}

func (a *app) routes() []httpserver.RouteRegistrar {
	routes := []httpserver.RouteRegistrar{a.approvals}
	if a.escrowAPI != nil {
		routes = append(routes, a.escrowAPI)
	}
	return routes
}

// Close releases the store and event sinks, last opened first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Error("Failed to close resource", "err", err)
		}
	}
	a.closers = nil
}
