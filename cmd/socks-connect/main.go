package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"socks-async/internal/application"
	"socks-async/internal/config"
	"socks-async/internal/domain"
	"socks-async/internal/infrastructure/epoll"
	"socks-async/internal/resolver"
	"socks-async/internal/socks5"
	"socks-async/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	def := config.Default()
	var (
		proxyAddr      = pflag.String("proxy", defaultProxy(), "SOCKS5 proxy: host:port or host:port|login:password")
		dnsServer      = pflag.String("dns", "", "DNS server host[:port]. Empty uses the first nameserver of "+config.ResolvConf)
		dnsTCP         = pflag.Bool("dns-tcp", false, "Query DNS over TCP instead of UDP")
		timeout        = pflag.Duration("timeout", def.Timeout, "Overall timeout, DNS included")
		connectTimeout = pflag.Duration("connect-timeout", def.ConnectTimeout, "Timeout for a single handshake step")
		dnsTimeout     = pflag.Duration("dns-timeout", def.DNSTimeout, "Timeout for a DNS query")
		resolveTarget  = pflag.Bool("resolve-target", false, "Resolve the target locally and send its IPv4 address to the proxy")
		check          = pflag.Bool("check", false, "Only open the tunnels and report, do not pipe stdin/stdout")
		lookup         = pflag.String("resolve", "", "Look up the arguments with this record type (A, MX, DNSKEY...) and exit")

		logLevel = pflag.String("log-level", "info", "Log level: debug | info | warn | error")
		logJSON  = pflag.Bool("log-json", false, "Log in JSON")
		logFile  = pflag.String("log-file", "", "Also write logs to this file, rotated")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] host:port [host:port...]\n       %s --resolve TYPE name [name...]\n", os.Args[0], os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	log, closer, err := logger.Setup(logger.Config{Level: *logLevel, JSON: *logJSON, File: *logFile, MaxSizeMB: 10, MaxBackups: 3})
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	defer closer.Close()

	if pflag.NArg() == 0 {
		pflag.Usage()
		return errors.New("no targets given")
	}

	cfg := config.Default()
	cfg.DNSOverTCP = *dnsTCP
	cfg.Timeout = *timeout
	cfg.ConnectTimeout = *connectTimeout
	cfg.DNSTimeout = *dnsTimeout
	cfg.ResolveTarget = *resolveTarget
	if *dnsServer != "" {
		cfg.DNSServer, cfg.DNSPort, err = config.ParseDNSServer(*dnsServer)
		if err != nil {
			return fmt.Errorf("invalid --dns: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if *lookup != "" {
		return resolve(ctx, log, cfg, *lookup, pflag.Args())
	}

	cfg.Proxy, err = config.ParseProxy(*proxyAddr, domain.ProxySOCKS5)
	if err != nil {
		return fmt.Errorf("invalid --proxy: %w", err)
	}

	targets := make([]domain.Target, 0, pflag.NArg())
	for _, arg := range pflag.Args() {
		t, err := parseTarget(arg)
		if err != nil {
			return err
		}
		targets = append(targets, t)
	}
	if len(targets) > 1 && !*check {
		return errors.New("several targets need --check")
	}

	loop, err := epoll.New()
	if err != nil {
		return fmt.Errorf("failed to create event loop: %w", err)
	}
	defer loop.Stop()
	svc := application.NewConnectService(loop, log)

	if *check {
		return checkTunnels(ctx, log, svc, cfg, targets)
	}

	cfg.Target = targets[0]
	if err := cfg.Validate(); err != nil {
		return err
	}
	conn, err := svc.Dial(ctx, cfg.Handshake(log))
	if err != nil {
		return err
	}
	cancel() // the timeout covers the handshake only
	log.Info("Tunnel established", "proxy", cfg.Proxy.String(), "target", cfg.Target.String())

	return pipe(context.Background(), conn, os.Stdin, os.Stdout)
}

// checkTunnels opens every tunnel at once on the event loop.
func checkTunnels(ctx context.Context, log *slog.Logger, svc *application.ConnectService, cfg *config.Config, targets []domain.Target) error {
	conns := make([]*socks5.Conn, 0, len(targets))
	machines := make([]domain.Async, 0, len(targets))
	for _, t := range targets {
		c := *cfg
		p := *cfg.Proxy
		c.Proxy, c.Target = &p, t
		if err := c.Validate(); err != nil {
			return err
		}
		conn, err := socks5.NewConn(c.Handshake(log))
		if err != nil {
			return err
		}
		defer conn.Stop()
		conns = append(conns, conn)
		machines = append(machines, conn)
	}

	err := svc.Run(ctx, machines...)
	for _, c := range conns {
		if c.Ready() {
			fmt.Printf("%s\tok\n", c.Target())
		} else {
			fmt.Printf("%s\tfailed: %v\n", c.Target(), c.Err())
		}
	}
	return err
}

func resolve(ctx context.Context, log *slog.Logger, cfg *config.Config, qtype string, names []string) error {
	server := cfg.DNSServer
	if server == "" {
		server = config.SystemDNS(config.ResolvConf)
	}
	r, err := resolver.New(resolver.Config{Server: server, Port: cfg.DNSPort, TCP: cfg.DNSOverTCP, Timeout: cfg.DNSTimeout, Logger: log})
	if err != nil {
		return err
	}

	for _, name := range names {
		resp, err := r.Query(ctx, name, strings.ToUpper(qtype))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		log.Debug("DNS answer", "name", name, "id", resp.ID, "rcode", resp.Rcode, "answers", resp.AnswerCount())
		for _, rr := range resp.Answers {
			fmt.Printf("%s\t%d\t%s\t%+v\n", rr.Domain, rr.TTL, rr.TypeName, rr.Data)
		}
	}
	return nil
}

func pipe(ctx context.Context, conn net.Conn, in io.Reader, out io.Writer) error {
	g, ctx := errgroup.WithContext(ctx)
	context.AfterFunc(ctx, func() { _ = conn.Close() })

	g.Go(func() error {
		if _, err := io.Copy(conn, in); err != nil {
			return err
		}
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			return cw.CloseWrite()
		}
		return nil
	})
	g.Go(func() error {
		_, err := io.Copy(out, conn)
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		return err
	})
	return g.Wait()
}

func parseTarget(s string) (domain.Target, error) {
	host, p, err := net.SplitHostPort(s)
	if err != nil {
		return domain.Target{}, fmt.Errorf("target %q: %w", s, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return domain.Target{}, fmt.Errorf("target %q: bad port", s)
	}
	return domain.Target{Host: host, Port: port}, nil
}

func defaultProxy() string {
	for _, env := range []string{"SOCKS5_PROXY", "ALL_PROXY"} {
		if v := os.Getenv(env); v != "" {
			return strings.TrimPrefix(v, "socks5://")
		}
	}
	return "127.0.0.1:1080"
}
