package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/veil/internal/authority"
	"github.com/die-net/veil/internal/config"
	"github.com/die-net/veil/internal/conn"
	"github.com/die-net/veil/internal/dialer"
	"github.com/die-net/veil/internal/pool"
	"github.com/die-net/veil/internal/proxy"
	"github.com/die-net/veil/internal/tunnel"
)

const (
	defaultServerGenerate = 1024
	deallocateTimeout     = 5 * time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("veil", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: veil [flags] socks|server\n\n%s", fs.FlagUsages())
	}

	var cfg config.Config
	cfg.RegisterFlags(fs)
	configPath := fs.String("config", "", "YAML file with defaults for any flag not given on the command line")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *configPath != "" {
		if err := cfg.Load(*configPath, fs); err != nil {
			return err
		}
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("expected exactly one role: socks or server")
	}

	ka, err := parseTCPKeepAlive(cfg.TCPKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}
	lcfg := conn.ListenConfig{KeepAlive: ka, ReusePort: cfg.ReusePort}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DebugListen != "" {
		if err := startDebug(ctx, g, cfg.DebugListen, lcfg); err != nil {
			return err
		}
	}

	switch role := fs.Arg(0); role {
	case "socks":
		err = runSOCKS(ctx, g, cfg, lcfg)
	case "server":
		err = runServer(ctx, g, cfg, lcfg)
	default:
		err = fmt.Errorf("unknown role %q: expected socks or server", role)
	}
	if err != nil {
		return err
	}

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Print("shutting down")
	return err
}

func runSOCKS(ctx context.Context, g *errgroup.Group, cfg config.Config, lcfg conn.ListenConfig) error {
	relayDialer := dialer.NewDirectDialer(dialer.Config{
		DialTimeout: cfg.DialTimeout,
		KeepAlive:   lcfg.KeepAlive,
	})

	auth, err := authority.NewClient(cfg.Authority, &http.Client{Timeout: cfg.DialTimeout})
	if err != nil {
		return fmt.Errorf("invalid --authority: %w", err)
	}

	p := pool.New(auth, pool.Config{
		RefillSize: cfg.PoolSize,
		LowWater:   cfg.PoolLowWater,
		Verbose:    cfg.Verbose,
	})

	if cfg.Generate > 0 {
		if err := p.Generate(ctx, cfg.Generate, cfg.Lazy); err != nil {
			log.Printf("pool: %v", err)
		}
	}
	// Checkout refills on demand, so an unreachable authority is not
	// fatal at startup.
	if n, err := p.Fill(ctx, cfg.PoolSize); err != nil {
		log.Printf("pool: initial fill: %v", err)
	} else {
		log.Printf("pool: allocated %d encoders from %s", n, cfg.Authority)
	}

	ln, err := conn.ListenTCP(ctx, "tcp", cfg.SOCKS5Listen, lcfg)
	if err != nil {
		_ = p.Close(context.Background())
		return fmt.Errorf("socks5 listen: %w", err)
	}

	s5 := proxy.NewSOCKS5Server(ctx, proxy.Config{
		NegotiationTimeout: cfg.NegotiationTimeout,
		RelayAddr:          cfg.Relay,
		Dialer:             relayDialer,
		Encoders:           p,
	}, cfg.Verbose)
	context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})

	g.Go(func() error {
		defer func() {
			// Best-effort: the authority may already be gone.
			dctx, cancel := context.WithTimeout(context.Background(), deallocateTimeout)
			defer cancel()
			if err := p.Close(dctx); err != nil {
				log.Printf("pool: %v", err)
			}
		}()
		if err := s5.Serve(ln); err != nil {
			return fmt.Errorf("socks5 serve: %w", err)
		}
		return nil
	})

	log.Printf("socks5 proxy listening on %s, relaying via %s", cfg.SOCKS5Listen, cfg.Relay)
	return nil
}

func runServer(ctx context.Context, g *errgroup.Group, cfg config.Config, lcfg conn.ListenConfig) error {
	targetDialer, err := dialer.New(dialer.Config{
		DialTimeout:       cfg.DialTimeout,
		KeepAlive:         lcfg.KeepAlive,
		HandshakeTimeout:  cfg.NegotiationTimeout,
		SSHKeyPath:        cfg.SSHKey,
		SSHKnownHostsPath: cfg.SSHKnownHosts,
	}, cfg.Upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}
	if c, ok := targetDialer.(io.Closer); ok {
		context.AfterFunc(ctx, func() {
			_ = c.Close()
		})
	}

	prefix, err := authorityPath(cfg.Authority)
	if err != nil {
		return fmt.Errorf("invalid --authority: %w", err)
	}

	store := authority.NewStore()
	count := cfg.Generate
	if count <= 0 {
		count = defaultServerGenerate
	}
	if err := store.Generate(ctx, count, cfg.Lazy); err != nil {
		return err
	}

	apiLn, err := conn.ListenTCP(ctx, "tcp", cfg.AuthorityListen, lcfg)
	if err != nil {
		return fmt.Errorf("authority listen: %w", err)
	}
	apiSrv := &http.Server{
		Handler:           authority.NewHandler(store, prefix, cfg.Verbose),
		ReadHeaderTimeout: cfg.NegotiationTimeout,
	}
	context.AfterFunc(ctx, func() {
		_ = apiSrv.Close()
		_ = apiLn.Close()
	})

	g.Go(func() error {
		if err := apiSrv.Serve(apiLn); err != nil {
			return fmt.Errorf("authority serve: %w", err)
		}
		return nil
	})
	log.Printf("authority listening on %s%s with %d encoders (lazy=%t)", cfg.AuthorityListen, prefix, count, cfg.Lazy)

	relayLn, err := conn.ListenTCP(ctx, "tcp", cfg.RelayListen, lcfg)
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	rs := tunnel.NewServer(ctx, store, targetDialer, tunnel.ServerConfig{
		NegotiationTimeout: cfg.NegotiationTimeout,
	}, cfg.Verbose)
	context.AfterFunc(ctx, func() {
		_ = relayLn.Close()
	})

	g.Go(func() error {
		if err := rs.Serve(relayLn); err != nil {
			return fmt.Errorf("relay serve: %w", err)
		}
		return nil
	})
	log.Printf("relay listening on %s", cfg.RelayListen)

	return nil
}

func startDebug(ctx context.Context, g *errgroup.Group, addr string, lcfg conn.ListenConfig) error {
	http.Handle("/metrics", promhttp.Handler())

	debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
	debugLn, err := conn.ListenTCP(ctx, "tcp", addr, lcfg)
	if err != nil {
		return fmt.Errorf("debug listen: %w", err)
	}
	context.AfterFunc(ctx, func() {
		_ = debugSrv.Close()
		_ = debugLn.Close()
	})

	g.Go(func() error {
		if err := debugSrv.Serve(debugLn); err != nil {
			return fmt.Errorf("debug serve: %w", err)
		}
		return nil
	})
	log.Printf("debug listening on %s", addr)
	return nil
}

// authorityPath returns the path part of the authority URL, which the
// server role serves its API under.
func authorityPath(prefix string) (string, error) {
	if !strings.Contains(prefix, "://") {
		prefix = "http://" + prefix
	}
	u, err := url.Parse(prefix)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(u.Path, "/"), nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
