// Command denim-server runs the DenIM relay: it terminates client QUIC
// connections, feeds inbound DenIM envelopes through the Server DenIM
// Manager, persists buffered state in the background, and answers prekey
// requests. It follows the teacher's daemon entry point
// (backend/daemon/main.go): flags, structured logging, metrics and health
// endpoints, tracing, TLS bootstrap, a rate-limited accept loop, and
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Deniable-IM/denim/daemon/manager"
	"github.com/Deniable-IM/denim/daemon/persist"
	"github.com/Deniable-IM/denim/daemon/transport"
	"github.com/Deniable-IM/denim/internal/availability"
	"github.com/Deniable-IM/denim/internal/chunkbuffer"
	"github.com/Deniable-IM/denim/internal/config"
	"github.com/Deniable-IM/denim/internal/denimstore"
	"github.com/Deniable-IM/denim/internal/denimwire"
	"github.com/Deniable-IM/denim/internal/observability"
	"github.com/Deniable-IM/denim/internal/quicutil"
	"github.com/Deniable-IM/denim/internal/ratelimit"
	"github.com/Deniable-IM/denim/internal/validation"
)

func main() {
	quicAddr := flag.String("quic-addr", "", "QUIC listener address, overrides config")
	observAddr := flag.String("observ-addr", "127.0.0.1:8081", "observability server address (metrics, health, pprof)")
	redisAddr := flag.String("redis-addr", "", "Redis address backing the Buffer Store, overrides config")
	durablePath := flag.String("durable-path", "", "BoltDB path for the durable persistence tier, overrides config")
	configPath := flag.String("config", "", "path to a YAML config file")
	persistInterval := flag.Duration("persist-interval", 30*time.Second, "interval between persist-sweep ticks")
	flag.Parse()

	logger := observability.NewLogger("denim-server", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker("1.0.0")
	if shutdown, err := observability.InitTracing(context.Background(), "denim-server"); err == nil {
		defer shutdown(context.Background())
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal(err, "failed to load config")
	}
	if *quicAddr != "" {
		if err := validation.ValidateAddr(*quicAddr); err != nil {
			logger.Fatal(err, "invalid -quic-addr")
		}
		cfg.QUICAddress = *quicAddr
	}
	if *redisAddr != "" {
		if err := validation.ValidateAddr(*redisAddr); err != nil {
			logger.Fatal(err, "invalid -redis-addr")
		}
		cfg.RedisAddress = *redisAddr
	}
	if *durablePath != "" {
		cfg.BoltPath = *durablePath
	}

	logger.Info("denim-server starting")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
	store := denimstore.NewRedisStore(rdb)
	healthChecker.RegisterCheck("buffer-store", observability.BufferStoreCheck(func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}))

	durable, err := persist.Open(cfg.BoltPath)
	if err != nil {
		logger.Fatal(err, "failed to open durable store")
	}
	defer durable.Close()

	availabilityRegistry := availability.NewRegistry()
	deviceRegistry := manager.NewRegistry()
	chunks := chunkbuffer.New(store, availabilityNotifier{registry: availabilityRegistry, devices: deviceRegistry})
	prekeys := manager.NewPrekeyStore()
	denimManager := manager.New(store, chunks, deviceRegistry, prekeys, nil, logger, cfg.Q)

	persister := persist.New(store, durable, persistNotifier{availabilityRegistry}, logger)
	persistCtx, stopPersist := context.WithCancel(context.Background())
	defer stopPersist()
	go persister.Run(persistCtx, *persistInterval, denimManager)

	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		logger.Fatal(err, "failed to generate TLS certificate")
	}
	tlsConfig, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		logger.Fatal(err, "failed to build TLS config")
	}

	limiter := ratelimit.NewTokenBucket(50, 100)
	listener, err := transport.Listen(cfg.QUICAddress, tlsConfig, limiter)
	if err != nil {
		logger.Fatal(err, "failed to start QUIC listener")
	}
	defer listener.Close()
	healthChecker.RegisterCheck("quic-listener", observability.QUICListenerCheck(listener.Addr()))
	logger.Info("QUIC listener on " + listener.Addr())

	go startObservabilityServer(*observAddr, metrics, healthChecker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			conn, err := listener.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error(err, "failed to accept QUIC connection")
				metrics.RecordQUICConnection(false)
				continue
			}
			metrics.RecordQUICConnection(true)
			logger.ConnectionEstablished(cfg.QUICAddress, "conn")
			go handleConnection(ctx, conn, denimManager, deviceRegistry, prekeys, availabilityRegistry, logger, metrics)
		}
	}()

	logger.Info("denim-server running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	cancel()
	stopPersist()
	logger.Info("denim-server stopped")
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}

// handleConnection drives one client connection: the first envelope it
// sends must identify the account and device it speaks for (an Envelope
// overt payload naming SourceServiceID/SourceDeviceID), since spec.md's
// Non-goals exclude a separate account-provisioning handshake. Every
// subsequent envelope is fed to OnInboundDenim, and every reply drains
// BuildOutboundDenim against that device's outgoing buffer.
func handleConnection(
	ctx context.Context,
	conn *transport.Connection,
	denimManager *manager.DenIMManager,
	registry *manager.Registry,
	prekeys *manager.PrekeyStore,
	availabilityRegistry *availability.Registry,
	logger *observability.Logger,
	metrics *observability.Metrics,
) {
	defer conn.Close()
	started := time.Now()
	defer func() { metrics.RecordQUICConnectionClose(time.Since(started).Seconds()) }()

	var address string
	var deviceID uint32
	registered := false

	for {
		env, err := conn.Receive()
		if err != nil {
			if registered {
				registry.Unregister(address, deviceID)
				prekeys.Withdraw(address, deviceID)
				availabilityRegistry.RemoveListener(address, deviceID)
			}
			return
		}

		if !registered {
			var ok bool
			address, deviceID, ok = identifyConnection(env)
			if !ok {
				logger.Warn("dropping connection with no identifying envelope")
				return
			}
			registry.Register(address, deviceID)
			registered = true
		}

		if err := denimManager.OnInboundDenim(ctx, address, deviceID, env); err != nil {
			logger.Error(err, "failed to handle inbound denim envelope")
			continue
		}

		chunks, err := denimManager.BuildOutboundDenim(ctx, address, deviceID, 0)
		if err != nil {
			logger.Error(err, "failed to build outbound denim envelope")
			continue
		}
		q := denimManager.CurrentQ(address)
		reply := denimwire.DenimEnvelope{Chunks: chunks, Q: &q}
		if err := conn.Send(reply); err != nil {
			logger.Error(err, "failed to send outbound denim envelope")
			return
		}
	}
}

func identifyConnection(env denimwire.DenimEnvelope) (string, uint32, bool) {
	if env.OvertPayload.Kind == denimwire.OvertKindEnvelope && env.OvertPayload.Envelope != nil {
		e := env.OvertPayload.Envelope
		if e.SourceServiceID != "" && validation.ValidateServiceID(e.SourceServiceID) == nil {
			return e.SourceServiceID, e.SourceDeviceID, true
		}
	}
	return "", 0, false
}

// availabilityNotifier adapts availability.Registry to
// chunkbuffer.AvailabilityNotifier, which only knows the account address a
// chunk landed for. Devices sharing an address all get woken; a device
// with nothing buffered for it just finds an empty GetAll on its next poll.
type availabilityNotifier struct {
	registry *availability.Registry
	devices  *manager.Registry
}

func (n availabilityNotifier) NotifyCached(ctx context.Context, address string) {
	for _, deviceID := range n.devices.Devices(address) {
		n.registry.NotifyCached(ctx, address, deviceID)
	}
}

type persistNotifier struct{ registry *availability.Registry }

func (n persistNotifier) NotifyPersisted(ctx context.Context, address string, deviceID uint32) bool {
	return n.registry.NotifyPersisted(ctx, address, deviceID)
}
