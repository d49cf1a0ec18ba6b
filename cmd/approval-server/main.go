package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/ca-approval-backend/cmd/flags"
	"github.com/ruteri/ca-approval-backend/common"
	"github.com/ruteri/ca-approval-backend/config"
	"github.com/ruteri/ca-approval-backend/cryptoutils"
	"github.com/ruteri/ca-approval-backend/httpserver"
	"github.com/ruteri/ca-approval-backend/metrics"
	"github.com/urfave/cli/v2"
)

var serverFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8443",
		Usage: "address to listen on for the approval API",
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "YAML configuration file",
	},
	&cli.StringFlag{
		Name:  "store-uri",
		Usage: "approval store location, overrides the config file (memory://, file://, sqlite://, postgres://, redis://, vault://)",
	},
	&cli.StringSliceFlag{
		Name:  "archive-uri",
		Usage: "archive location for removed records, overrides the config file (file://, s3://, ipfs://)",
	},
	&cli.DurationFlag{
		Name:  "default-ttl",
		Usage: "lifetime of approval requests without a policy TTL, overrides the config file",
	},
	&cli.StringSliceFlag{
		Name:  "kafka-brokers",
		Usage: "kafka brokers to publish approval events to",
	},
	&cli.StringFlag{
		Name:  "kafka-topic",
		Usage: "kafka topic for approval events",
	},
	&cli.BoolFlag{
		Name:  "trust-admin-headers",
		Usage: "take the admin identity from X-Admin-Issuer/X-Admin-Serial; only behind a proxy that sets them",
	},
	&cli.StringFlag{
		Name:  "tls-cert",
		Usage: "server certificate PEM file; a throwaway certificate is generated when only --client-ca is set",
	},
	&cli.StringFlag{
		Name:  "tls-key",
		Usage: "server private key PEM file",
	},
	&cli.StringFlag{
		Name:  "client-ca",
		Usage: "PEM bundle of CAs that issue admin client certificates",
	},
}

func main() {
	app := &cli.App{
		Name:  "approval-server",
		Usage: "Serve the CA multi-party approval API",
		Flags: append(serverFlags, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg, err := loadConfig(cCtx)
			if err != nil {
				logger.Error("Failed to load configuration", "err", err)
				return err
			}

			serverCfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
			serverCfg.TLSConfig, err = loadTLSConfig(cCtx)
			if err != nil {
				logger.Error("Failed to load TLS configuration", "err", err)
				return err
			}
			if serverCfg.TLSConfig == nil && !cCtx.Bool("trust-admin-headers") {
				logger.Warn("Serving without TLS and without trusted admin headers: every API call will be refused")
			}

			serverCfg.Metrics, err = metrics.New(common.PackageName, serverCfg.MetricsAddr)
			if err != nil {
				return err
			}

			a, err := newApp(cCtx.Context, cfg, appOptions{
				trustAdminHeaders: cCtx.Bool("trust-admin-headers"),
				registry:          serverCfg.Metrics.Registry(),
				namespace:         serverCfg.Metrics.Namespace(),
			}, logger)
			if err != nil {
				logger.Error("Failed to set up approval engine", "err", err)
				return err
			}
			defer a.Close()

			server, err := httpserver.New(serverCfg, a.routes()...)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(cCtx *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := cCtx.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if cCtx.IsSet("store-uri") {
		cfg.StoreURI = cCtx.String("store-uri")
	}
	if cCtx.IsSet("archive-uri") {
		cfg.ArchiveURIs = cCtx.StringSlice("archive-uri")
	}
	if cCtx.IsSet("default-ttl") {
		cfg.DefaultTTL = cCtx.Duration("default-ttl")
	}
	if cCtx.IsSet("kafka-brokers") {
		cfg.Kafka.Brokers = cCtx.StringSlice("kafka-brokers")
	}
	if cCtx.IsSet("kafka-topic") {
		cfg.Kafka.Topic = cCtx.String("kafka-topic")
	}
	return cfg, cfg.Validate()
}

func loadTLSConfig(cCtx *cli.Context) (*tls.Config, error) {
	certFile, keyFile := cCtx.String("tls-cert"), cCtx.String("tls-key")
	caFile := cCtx.String("client-ca")
	if certFile == "" && keyFile == "" && caFile == "" {
		return nil, nil
	}

	var cert tls.Certificate
	var err error
	if certFile == "" && keyFile == "" {
		// Client certificates without a server certificate: serve a throwaway one.
		cert, err = cryptoutils.RandomCert()
	} else {
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
	}
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.RequestClientCert,
	}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("reading client CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("client CA bundle holds no certificates")
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tlsConfig, nil
}
