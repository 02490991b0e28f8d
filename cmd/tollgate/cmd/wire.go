package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jmcleod/tollgate/auth"
	"github.com/jmcleod/tollgate/broker"
	"github.com/jmcleod/tollgate/challenge"
	"github.com/jmcleod/tollgate/channel"
	"github.com/jmcleod/tollgate/credential"
	"github.com/jmcleod/tollgate/internal/config"
	"github.com/jmcleod/tollgate/internal/logger"
	"github.com/jmcleod/tollgate/internal/metrics"
	"github.com/jmcleod/tollgate/internal/util"
	"github.com/jmcleod/tollgate/notify"
	"github.com/jmcleod/tollgate/principal"
	"github.com/jmcleod/tollgate/ratelimit"
	"github.com/jmcleod/tollgate/session"
	"github.com/jmcleod/tollgate/storage"
	bboltstorage "github.com/jmcleod/tollgate/storage/bbolt"
	"github.com/jmcleod/tollgate/storage/memory"
	pgstorage "github.com/jmcleod/tollgate/storage/postgres"
	redisstorage "github.com/jmcleod/tollgate/storage/redis"
)

const dbFileName = "tollgate.db"

// stack is every long-lived component of a running server.
type stack struct {
	metrics    *metrics.Metrics
	repo       storage.Repository
	store      *session.Store
	principals *principal.Directory
	engine     *challenge.Engine
	passkeys   *credential.WebAuthn
	adapter    *broker.Adapter
	manager    *auth.Manager

	// Set only for the redis rate limit backend.
	ipLimiter  ratelimit.Limiter
	regLimiter ratelimit.Limiter
	// Set only for the memory rate limit backend; swept periodically.
	memLimiter *ratelimit.Memory

	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *stack) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// openRepository opens the configured storage backend.
func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Storage.Backend {
	case "memory":
		return memory.NewRepository(), noop, nil
	case "bbolt":
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.Storage.DataDir, dbFileName), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open storage: %w", err)
		}
		return repo, repo.Close, nil
	case "postgres":
		repo, err := pgstorage.NewRepositoryFromDSN(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return repo, repo.Close, nil
	case "redis":
		client, err := redisstorage.Connect(ctx, cfg.Storage.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open redis storage: %w", err)
		}
		repo := redisstorage.NewRepository(client, "")
		return repo, repo.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func newSealer(cfg *config.Config, log *zap.Logger) (*storage.Sealer, error) {
	key, err := cfg.SealKeyBytes()
	if err != nil {
		return nil, err
	}
	if key == nil {
		if cfg.Storage.Backend != "memory" {
			log.Warn("no seal key configured; persisted records will be unreadable after restart",
				zap.String("backend", cfg.Storage.Backend))
		}
		return storage.NewRandomSealer()
	}
	return storage.NewSealer(key)
}

// openStore opens the repository and the session store over it. It is
// shared by the server and the maintenance commands.
func openStore(ctx context.Context, cfg *config.Config, s *stack) (*storage.Sealer, error) {
	log := logger.Named("wire")
	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.repo = repo
	s.onClose(closeRepo)

	sealer, err := newSealer(cfg, log)
	if err != nil {
		return nil, err
	}
	s.store = session.NewStore(repo, sealer)
	return sealer, nil
}

func newSender(cfg *config.Config) notify.Sender {
	if cfg.SMTP.Host == "" {
		return notify.Disabled{}
	}
	return notify.NewSMTPSender(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	})
}

// newSigner builds the grant signer. Without a configured secret a random
// one is used, so grants only verify against this process.
func newSigner(cfg *config.Config, log *zap.Logger) (channel.Signer, error) {
	secret := []byte(cfg.Broker.Secret)
	if len(secret) == 0 {
		log.Warn("no broker secret configured; using a per-process secret")
		var err error
		if secret, err = util.RandomBytes(32); err != nil {
			return nil, err
		}
	}
	if cfg.Broker.Signer == "jwt" {
		return channel.NewJWTSigner(cfg.Broker.Key, secret)
	}
	return channel.NewHMACSigner(cfg.Broker.Key, secret)
}

// presenceRule picks who may join presence channels.
func presenceRule(cfg *config.Config) channel.MembershipFunc {
	switch cfg.Broker.Presence {
	case "open":
		return channel.AllowAll
	case "members":
		return channel.StaticMembership(cfg.Broker.PresenceMembers)
	default:
		return channel.DenyAll
	}
}

func (s *stack) newPublisher(ctx context.Context, cfg *config.Config) (broker.Publisher, error) {
	switch cfg.Broker.Backend {
	case "memory":
		return broker.NewMemory(), nil
	case "redis":
		client, err := redisstorage.Connect(ctx, cfg.BrokerRedisURL())
		if err != nil {
			return nil, fmt.Errorf("failed to connect broker: %w", err)
		}
		return broker.NewRedis(client, ""), nil
	case "kafka":
		return broker.NewKafka(cfg.Broker.KafkaBrokers, cfg.Broker.KafkaTopic)
	default:
		return broker.Discard{}, nil
	}
}

func (s *stack) newLimiters(ctx context.Context, cfg *config.Config) (ratelimit.Limiter, error) {
	if cfg.RateLimit.Backend != "redis" {
		s.memLimiter = ratelimit.NewMemory(
			ratelimit.WithMaxFailures(cfg.RateLimit.MaxFailures),
			ratelimit.WithMaxLockout(cfg.RateLimit.Window),
		)
		return s.memLimiter, nil
	}
	client, err := redisstorage.Connect(ctx, cfg.Storage.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect rate limiter: %w", err)
	}
	s.onClose(client.Close)
	s.ipLimiter = ratelimit.NewRedis(client, "tollgate:rl:ip:", 0, 0)
	s.regLimiter = ratelimit.NewRedis(client, "tollgate:rl:register:", 0, 0)
	return ratelimit.NewRedis(client, "tollgate:rl:principal:", cfg.RateLimit.MaxFailures, cfg.RateLimit.Window), nil
}

// buildStack wires every component from cfg. On error the partially built
// stack is closed.
func buildStack(ctx context.Context, cfg *config.Config) (st *stack, err error) {
	s := &stack{}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.metrics, err = metrics.New(prometheus.NewRegistry())
	if err != nil {
		return nil, err
	}
	sealer, err := openStore(ctx, cfg, s)
	if err != nil {
		return nil, err
	}

	hash := util.DefaultArgon2idParams()
	lookup := principal.NewDirectory(s.repo, sealer, principal.WithHashParams(hash))

	limiter, err := s.newLimiters(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s.passkeys, err = credential.NewWebAuthn(credential.WebAuthnConfig{
		RPID:          cfg.WebAuthn.RPID,
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
		CeremonyTTL:   cfg.WebAuthn.CeremonyTTL,
	}, lookup)
	if err != nil {
		return nil, err
	}
	verifier, err := credential.NewVerifier(lookup, limiter, hash,
		credential.WithPasskeys(s.passkeys),
		credential.WithMetrics(s.metrics),
	)
	if err != nil {
		return nil, err
	}

	s.engine = challenge.NewEngine(s.store, lookup,
		challenge.WithTTL(cfg.Challenge.TTL),
		challenge.WithMaxAttempts(cfg.Challenge.MaxAttempts),
		challenge.WithSender(newSender(cfg)),
		challenge.WithMetrics(s.metrics),
	)

	signer, err := newSigner(cfg, logger.Named("wire"))
	if err != nil {
		return nil, err
	}
	authorizer := channel.NewAuthorizer(s.store, lookup, signer,
		channel.WithMembership(presenceRule(cfg)),
		channel.WithMetrics(s.metrics),
	)
	publisher, err := s.newPublisher(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.adapter = broker.NewAdapter(publisher, authorizer, s.metrics)
	s.onClose(s.adapter.Close)

	s.manager = auth.NewManager(verifier, s.engine, s.store,
		auth.WithPolicy(auth.Policy{
			IdleTimeout:             cfg.Session.IdleTimeout,
			AbsoluteTTL:             cfg.Session.AbsoluteTTL,
			MaxSessionsPerPrincipal: cfg.Session.MaxPerPrincipal,
		}),
		auth.WithEvents(s.adapter),
		auth.WithMetrics(s.metrics),
	)
	s.principals = principal.NewDirectory(s.repo, sealer,
		principal.WithHashParams(hash),
		principal.WithSessionRevoker(s.manager),
	)
	return s, nil
}
