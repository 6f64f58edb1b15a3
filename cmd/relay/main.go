package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcarmo/rdp-relay/internal/config"
	"github.com/rcarmo/rdp-relay/internal/logging"
	"github.com/rcarmo/rdp-relay/internal/obs"
	"github.com/rcarmo/rdp-relay/internal/player"
	"github.com/rcarmo/rdp-relay/internal/protocol/rdpsec"
	"github.com/rcarmo/rdp-relay/internal/relay"
	"github.com/rcarmo/rdp-relay/internal/sessions"
)

const appVersion = "v1.2.0"

func main() {
	listenFlag := flag.String("listen", "", "address to accept RDP clients on")
	targetFlag := flag.String("target", "", "RDP server to relay to (host:port)")
	certFlag := flag.String("cert", "", "TLS certificate presented to clients")
	keyFlag := flag.String("key", "", "TLS private key presented to clients")
	configFlag := flag.String("config", "", "YAML configuration file")
	logLevelFlag := flag.String("log-level", "", "log level (debug, info, warn, error)")
	versionFlag := flag.Bool("version", false, "show version")

	flag.Parse()

	if *versionFlag {
		fmt.Println("rdp-relay", appVersion)

		return
	}

	// Local overrides for development; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.LoadWithOverrides(config.LoadOptions{
		ListenAddr: strings.TrimSpace(*listenFlag),
		TargetAddr: strings.TrimSpace(*targetFlag),
		CertFile:   strings.TrimSpace(*certFlag),
		KeyFile:    strings.TrimSpace(*keyFlag),
		LogLevel:   strings.TrimSpace(*logLevelFlag),
		ConfigFile: strings.TrimSpace(*configFlag),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logging.SetLevelFromString(cfg.Logging.Level)
	log := logging.With("relay")

	if err := run(cfg, log); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tlsConfig, err := clientFacingTLS(cfg, log)
	if err != nil {
		return err
	}

	signing, err := rdpsec.NewSigningKey()
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	var hub *player.Hub

	if cfg.Player.Enabled {
		hub = player.NewHub()
		defer hub.Close()

		go servePlayer(cfg.Player.ListenAddr, hub, log)
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.ListenAddr, log)
	}

	listener, err := net.Listen("tcp", cfg.Relay.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Relay.ListenAddr, err)
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	log.Info("relaying %s -> %s", cfg.Relay.ListenAddr, cfg.Relay.TargetAddr)

	opts := relay.Options{
		Config:    cfg,
		TLSConfig: tlsConfig,
		Signing:   signing,
		Store:     store,
		Hub:       hub,
	}

	err = acceptLoop(ctx, listener, opts, log)

	if ctx.Err() != nil {
		log.Info("shutting down")

		return nil
	}

	return err
}

// acceptLoop accepts clients until the listener closes, backing off on
// transient errors so a file descriptor squeeze does not spin the CPU.
func acceptLoop(ctx context.Context, listener net.Listener, opts relay.Options, log *logging.Logger) error {
	retry := &backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var (
		wg     sync.WaitGroup
		active atomic.Int64
	)

	defer wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				d := retry.Duration()
				log.Warn("accept: %v; retrying in %s", err, d)
				time.Sleep(d)

				continue
			}

			return err
		}

		retry.Reset()

		if limit := int64(opts.Config.Relay.MaxSessions); limit > 0 && active.Load() >= limit {
			log.Warn("rejecting %s: %v", conn.RemoteAddr(), relay.ErrSessionLimit)
			_ = conn.Close()

			continue
		}

		session, err := relay.NewSession(conn, opts)
		if err != nil {
			log.Error("session setup for %s: %v", conn.RemoteAddr(), err)
			_ = conn.Close()

			continue
		}

		obs.SessionsTotal.Inc()
		active.Add(1)
		wg.Add(1)

		go func() {
			defer wg.Done()
			defer active.Add(-1)

			if err := session.Run(ctx); err != nil {
				log.Info("session %s ended: %v", session.ID, err)
			}
		}()
	}
}

// clientFacingTLS loads the configured identity, or mints a throwaway
// self-signed one so TLS-only clients can still connect out of the box.
func clientFacingTLS(cfg config.Config, log *logging.Logger) (*tls.Config, error) {
	if cfg.Security.CertFile != "" && cfg.Security.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Security.CertFile, cfg.Security.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading tls identity: %w", err)
		}

		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS10}, nil
	}

	log.Warn("no TLS identity configured; generating a self-signed certificate")

	cert, err := selfSignedCertificate()
	if err != nil {
		return nil, err
	}

	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS10}, nil
}

func selfSignedCertificate() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "rdp-relay"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

func openStore(ctx context.Context, cfg config.Config, log *logging.Logger) (sessions.Store, error) {
	if cfg.Redis.Addr == "" {
		return sessions.NewMemoryStore(), nil
	}

	store, err := sessions.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Username, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, fmt.Errorf("redis registry: %w", err)
	}

	log.Info("session registry backed by redis at %s", cfg.Redis.Addr)

	return store, nil
}

func servePlayer(addr string, hub *player.Hub, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/watch", hub.Handler())

	log.Info("live player feed on ws://%s/watch", addr)

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("player listener: %v", err)
	}
}

func serveMetrics(addr string, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	log.Info("metrics on http://%s/metrics", addr)

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics listener: %v", err)
	}
}
