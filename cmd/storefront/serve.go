package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mnehpets/storefront/auth"
	"github.com/mnehpets/storefront/authstate"
	"github.com/mnehpets/storefront/config"
	"github.com/mnehpets/storefront/endpoint"
	"github.com/mnehpets/storefront/exchange"
	"github.com/mnehpets/storefront/flowstore"
	"github.com/mnehpets/storefront/logging"
	"github.com/mnehpets/storefront/middleware"
	"github.com/mnehpets/storefront/profile"
	"github.com/mnehpets/storefront/tokenstore"
)

const (
	maintenanceInterval = 5 * time.Minute
	shutdownTimeout     = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authentication backend",
	Long: `Serve the login, callback and retry pages, the token exchange API and
the auth status API for the storefront.`,
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := bootstrap()
		if err != nil {
			return err
		}
		return run(c.Context(), cfg, nil)
	},
}

// run serves until ctx is done. If ready is non-nil, the server's base URL is
// sent on it once the listener is bound.
func run(ctx context.Context, cfg config.Config, ready chan<- string) error {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	baseURL := "http://" + ln.Addr().String()

	seen, closeSeen, prune, err := newSeenCodes(ctx, cfg)
	if err != nil {
		ln.Close()
		return err
	}
	defer closeSeen()

	var limiter *middleware.RateLimitProcessor
	if cfg.RateLimit.PerSecond > 0 {
		limiter = middleware.NewRateLimitProcessor(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
	}

	handler, err := buildHandler(ctx, cfg, seen, limiter)
	if err != nil {
		ln.Close()
		return err
	}
	server := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("component", "server").Infof("storefront auth listening on %s", ln.Addr())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.WithField("component", "server").Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		maintain(gctx, limiter, prune)
		return nil
	})

	if ready != nil {
		ready <- baseURL
	}
	return g.Wait()
}

// maintain drops idle rate limiters and prunes the seen code registry.
func maintain(ctx context.Context, limiter *middleware.RateLimitProcessor, prune func(context.Context) (int64, error)) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	entry := log.WithField("component", "maintenance")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if limiter != nil {
				limiter.Sweep()
			}
			if prune == nil {
				continue
			}
			if n, err := prune(ctx); err != nil {
				entry.WithError(err).Warn("seen code prune failed")
			} else if n > 0 {
				entry.Debugf("pruned %d seen codes", n)
			}
		}
	}
}

// newSeenCodes returns the configured replay registry, a close function and,
// for registries that need it, a prune function.
func newSeenCodes(ctx context.Context, cfg config.Config) (exchange.SeenCodeRegistry, func(), func(context.Context) (int64, error), error) {
	sc := cfg.SeenCodes
	switch sc.Backend {
	case config.SeenCodesRedis:
		r, err := exchange.NewRedisSeenCodes(ctx, sc.RedisURL, sc.TTL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to set up redis seen codes: %w", err)
		}
		return r, func() { _ = r.Close() }, nil, nil
	case config.SeenCodesPostgres:
		p, err := exchange.NewPostgresSeenCodes(ctx, sc.DatabaseURL, sc.TTL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to set up postgres seen codes: %w", err)
		}
		if err := p.Migrate(ctx); err != nil {
			p.Close()
			return nil, nil, nil, err
		}
		return p, p.Close, p.Prune, nil
	default:
		return exchange.NewMemorySeenCodes(sc.Capacity), func() {}, nil, nil
	}
}

// buildHandler wires every route behind the access log.
func buildHandler(ctx context.Context, cfg config.Config, seen exchange.SeenCodeRegistry, limiter *middleware.RateLimitProcessor) (http.Handler, error) {
	keyID, keys, err := cfg.CookieKeys()
	if err != nil {
		return nil, err
	}
	flows, err := flowstore.NewCookieStore(keyID, keys, cfg.CookieOptions()...)
	if err != nil {
		return nil, fmt.Errorf("flow cookie: %w", err)
	}
	tokens, err := tokenstore.NewCookieStore(keyID, keys, cfg.Cookies.TokenMaxAge, cfg.CookieOptions()...)
	if err != nil {
		return nil, fmt.Errorf("token cookie: %w", err)
	}

	var headerOpts []middleware.SecurityHeadersOption
	if cfg.Dev {
		headerOpts = append(headerOpts, middleware.WithoutHSTS())
	}
	pageHeaders := middleware.NewSecurityHeadersProcessor(headerOpts...)
	apiHeaders := middleware.NewAPISecurityHeadersProcessor(append(headerOpts,
		middleware.WithCORS(middleware.AppOriginCORS(exchange.AppOrigin(cfg.Shop.AppURL))))...)

	apiProcessors := []endpoint.Processor{logging.RequestID{}, apiHeaders}
	if limiter != nil {
		apiProcessors = append(apiProcessors, limiter)
	}
	exOpts := []exchange.Option{
		exchange.WithSeenCodes(seen),
		exchange.WithProcessors(apiProcessors...),
	}
	if cfg.VerifyIDToken {
		v, err := exchange.NewOIDCVerifier(ctx, exchange.Issuer(cfg.Shop.ProviderURL, cfg.Shop.ID), cfg.Shop.ClientID)
		if err != nil {
			return nil, err
		}
		exOpts = append(exOpts, exchange.WithIDTokenVerifier(v))
	}
	exchangeHandler := exchange.NewHandler(cfg.ExchangeConfig(), exOpts...)

	exchanger := tokenAPI(cfg, exchangeHandler)
	authHandler := auth.NewHandler(auth.NewInitiator(cfg.AuthConfig()), exchanger, flows.Bind, tokens.Bind,
		auth.WithDev(cfg.Dev),
		auth.WithProcessors(logging.RequestID{}, pageHeaders),
	)
	stateHandler := authstate.NewHandler(tokens.Bind, exchanger, newProfileClient(cfg),
		authstate.WithProcessors(logging.RequestID{}, apiHeaders),
	)

	mux := http.NewServeMux()
	mux.Handle("/auth/", authHandler)
	mux.Handle(exchange.TokenPath, exchangeHandler)
	mux.Handle(exchange.RefreshPath, exchangeHandler)
	mux.Handle(authstate.StatusPath, stateHandler)
	mux.Handle(authstate.LogoutPath, stateHandler)
	return logging.AccessLog(mux), nil
}

// tokenClient is the token API as seen by the callback and the auth state
// routes.
type tokenClient interface {
	auth.TokenExchanger
	authstate.Refresher
}

// tokenAPI returns a client for the configured token API, or local when none
// is configured. Local calls skip the token routes' processors.
func tokenAPI(cfg config.Config, local *exchange.Handler) tokenClient {
	if cfg.TokenAPIURL != "" {
		return auth.NewExchangeClient(cfg.TokenAPIURL)
	}
	return local
}

func newProfileClient(cfg config.Config) *profile.Client {
	var opts []profile.Option
	if cfg.Shop.APIVersion != "" {
		opts = append(opts, profile.WithAPIVersion(cfg.Shop.APIVersion))
	}
	return profile.NewClient(cfg.Shop.ProviderURL, cfg.Shop.ID, opts...)
}
