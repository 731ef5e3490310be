package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"socks5proxy/config"
	"socks5proxy/dns"
	"socks5proxy/logger"
	"socks5proxy/socks5"
	"socks5proxy/web"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := newOptions()

	cmd := &cobra.Command{
		Use:           "socks5proxy",
		Short:         "SOCKS5 proxy server with optional authentication, TLS and allow list",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, cmd.Flags())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
				return err
			}

			log, err := logger.New(cfg.LoggerConfig())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
				return err
			}
			defer log.Close()
			logger.SetDefault(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg, log); err != nil {
				log.Error("%v", err)
				return err
			}
			return nil
		},
	}
	opts.register(cmd.Flags())

	cmd.AddCommand(newConfigCommand())
	return cmd
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration file helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init <path>",
		Short: "Write a configuration file with default values (.json or .toml)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.NewManager(args[0]).Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", args[0])
			return nil
		},
	})
	return cmd
}

// run 构建组件并运行到 ctx 取消；启动阶段的错误直接返回
func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	var credentials *socks5.CredentialStore
	if cfg.SOCKS5.UseAuth {
		store, err := socks5.LoadCredentials(cfg.SOCKS5.AuthFile)
		if err != nil {
			return err
		}
		credentials = store
		log.Info("Loaded %d users from %s", store.Len(), cfg.SOCKS5.AuthFile)
	}

	allowList, err := socks5.ParseAllowList(cfg.SOCKS5.AllowedIPs)
	if err != nil {
		return err
	}
	if entries := allowList.Entries(); len(entries) > 0 {
		log.Info("Client allow list: %v", entries)
	}

	var tlsConfig *tls.Config
	if cfg.TLS.Enabled {
		tc, err := socks5.LoadTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return err
		}
		tlsConfig = tc
		log.Info("TLS enabled with certificate %s", cfg.TLS.CertFile)
	}

	resolver, err := dns.NewResolver(dns.Config{
		Servers:   cfg.DNS.Servers,
		CacheTTL:  cfg.DNSCacheTTL(),
		Hosts:     cfg.DNS.Hosts,
		HostsFile: cfg.DNS.HostsFile,
	}, log.Named("DNS"))
	if err != nil {
		return socks5.ConfigError("%v", err)
	}

	stats := socks5.NewStats()
	server, err := socks5.NewSOCKS5Server(socks5.Config{
		MaxConnections: cfg.SOCKS5.MaxConnections,
		Timeout:        cfg.Timeout(),
		Credentials:    credentials,
		AllowList:      allowList,
		TLSConfig:      tlsConfig,
		Resolver:       resolver,
		HalfClose:      cfg.Relay.HalfClose,
		ReportInterval: cfg.ReportInterval(),
		Stats:          stats,
		Logger:         log.Named("SOCKS5"),
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.ListenAddress())
	})
	if cfg.Web.Enabled {
		ws := web.NewWebServer(web.Config{Listen: cfg.Web.Listen}, stats, resolver.Cache(), log.Named("Web"))
		g.Go(func() error {
			return ws.ListenAndServe(gctx)
		})
	}
	return g.Wait()
}
