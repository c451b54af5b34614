// chatsync is a terminal client for the whisper chat server. It keeps the
// local conversation state in sync over one WebSocket connection, serves
// Prometheus metrics, and can mirror its state to NATS for other UIs.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/whisper/chat-sync/internal/api"
	"github.com/whisper/chat-sync/internal/app"
	"github.com/whisper/chat-sync/internal/config"
	"github.com/whisper/chat-sync/internal/connection"
	"github.com/whisper/chat-sync/internal/credential"
	"github.com/whisper/chat-sync/internal/messaging"
	"github.com/whisper/chat-sync/internal/metrics"
	"github.com/whisper/chat-sync/internal/observe"
	"github.com/whisper/chat-sync/internal/ws"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("chatsync: %v", err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("chatsync", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", os.Getenv("SYNC_CONFIG"), "YAML config file")
	serverURL := flags.String("server", "", "chat server WebSocket URL")
	apiURL := flags.String("api", "", "REST API base URL")
	metricsAddr := flags.String("metrics", "", "serve Prometheus metrics on this address")
	natsURL := flags.String("nats", "", "mirror state to this NATS server")
	backend := flags.String("credential-backend", "", "credential store: file or redis")
	token := flags.String("token", "", "store this credential before starting")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if flags.Changed("server") {
		cfg.ServerURL = *serverURL
	}
	if flags.Changed("api") {
		cfg.APIURL = *apiURL
	}
	if flags.Changed("metrics") {
		cfg.MetricsAddr = *metricsAddr
	}
	if flags.Changed("nats") {
		cfg.NATS.URL = *natsURL
	}
	if flags.Changed("credential-backend") {
		cfg.Credential.Backend = *backend
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("whisper chat sync starting")
	log.Printf("  server_url:      %s", cfg.ServerURL)
	log.Printf("  api_url:         %s", cfg.APIURL)
	log.Printf("  credential:      %s", cfg.Credential.Backend)
	log.Printf("  reconnect_delay: %s", cfg.Reconnect.Delay)
	log.Printf("  metrics_addr:    %s", cfg.MetricsAddr)
	log.Printf("  nats_url:        %s", cfg.NATS.URL)

	// --- Credential ---
	creds, closeCreds, err := openCredentials(ctx, cfg.Credential)
	if err != nil {
		return err
	}
	defer closeCreds()

	// --- Observers ---
	bus := observe.NewBus()
	defer bus.Close()
	pubs := observe.Multi{bus}

	var bridge *messaging.Bridge
	if cfg.NATS.URL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Prefix = cfg.NATS.Prefix
		bridge, err = messaging.NewBridge(natsCfg)
		if err != nil {
			return err
		}
		defer bridge.Close()
		pubs = append(pubs, bridge)
	}

	// --- Metrics ---
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[metrics] server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	// --- Client ---
	wsCfg := ws.DefaultConfig(cfg.ServerURL)
	wsCfg.DialTimeout = cfg.Reconnect.DialTimeout
	wsCfg.WriteTimeout = cfg.Transport.WriteTimeout
	wsCfg.Heartbeat.Interval = cfg.Transport.Heartbeat

	signedOut := func() {
		log.Printf("[chatsync] credential rejected; run again with --token to sign in")
	}
	client := app.New(app.Options{
		Connection: connection.Config{
			ReconnectDelay: cfg.Reconnect.Delay,
			MaxAttempts:    cfg.Reconnect.MaxAttempts,
			DialTimeout:    cfg.Reconnect.DialTimeout,
		},
		Dial:        connection.WSDialer(wsCfg),
		Credentials: creds,
		API:         api.NewClient(cfg.APIURL, creds, api.WithUnauthorizedHook(signedOut)),
		Publisher:   pubs,
		OnSignIn:    signedOut,
	})
	defer client.Close()

	sh := newShell(client, os.Stdout)
	events, cancel := bus.Subscribe(256)
	defer cancel()
	go sh.render(events)

	if *token != "" {
		err = client.SignIn(ctx, *token)
	} else {
		err = client.Start(ctx)
	}
	switch {
	case errors.Is(err, app.ErrSignedOut):
		log.Printf("[chatsync] not signed in; run again with --token")
	case err != nil:
		return err
	}

	if bridge != nil {
		err := bridge.SubscribeCommands(func(cmd messaging.Command) error {
			return sh.run(ctx, command{name: cmd.Name, args: cmd.Args})
		})
		if err != nil {
			return err
		}
	}

	return readLoop(ctx, sh, os.Stdin)
}

// readLoop runs stdin commands until /quit, end of input, or ctx is done.
func readLoop(ctx context.Context, sh *shell, in *os.File) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[chatsync] shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, ok := parseLine(line)
			if !ok {
				continue
			}
			err := sh.run(ctx, cmd)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				sh.printf("! %v", err)
			}
		}
	}
}

// openCredentials returns the configured credential store and a function
// that releases it.
func openCredentials(ctx context.Context, cc config.CredentialConfig) (credential.Store, func(), error) {
	switch cc.Backend {
	case config.BackendRedis:
		rc, err := credential.DialRedis(ctx, cc.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return credential.NewRedisStore(rc, cc.Profile), func() {
			if err := rc.Close(); err != nil {
				log.Printf("[credential] redis close: %v", err)
			}
		}, nil
	case config.BackendFile:
		return credential.NewFileStore(cc.Path), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown credential backend %q", cc.Backend)
	}
}
