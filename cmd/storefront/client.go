package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
	"github.com/spf13/cobra"

	"github.com/mnehpets/storefront/auth"
	"github.com/mnehpets/storefront/authstate"
	"github.com/mnehpets/storefront/autherr"
	"github.com/mnehpets/storefront/config"
	"github.com/mnehpets/storefront/endpoint"
	"github.com/mnehpets/storefront/exchange"
	"github.com/mnehpets/storefront/flowstore"
	"github.com/mnehpets/storefront/logging"
	"github.com/mnehpets/storefront/tokenstore"
)

const loginTimeout = 5 * time.Minute

var (
	loginHint string
	noBrowser bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in from the terminal",
	Long: `Sign in with the customer account provider.

A browser window is opened on the authorization page and a local listener at
the configured app URL receives the callback. The tokens are saved to the
token file.

Use --no-browser to print the URL instead of opening it.`,
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := bootstrap()
		if err != nil {
			return err
		}
		ctx := c.Context()
		tokens := tokenstore.NewFile(tokenFile(cfg))
		m := authstate.NewManager(tokens, nil, newProfileClient(cfg),
			authstate.WithLogin(func(ctx context.Context, hint string) error {
				return loopbackLogin(ctx, cfg, tokens, hint, openBrowser)
			}))
		if err := m.Login(ctx, loginHint); err != nil {
			return err
		}
		s, err := m.CheckAuthStatus(ctx)
		printState(c, s, err)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether you are signed in",
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := bootstrap()
		if err != nil {
			return err
		}
		ctx := c.Context()
		refresher := tokenAPI(cfg, exchange.NewHandler(cfg.ExchangeConfig()))

		m := authstate.NewManager(tokenstore.NewFile(tokenFile(cfg)), refresher, newProfileClient(cfg))
		if _, err := m.MaybeRefresh(ctx); err != nil {
			fmt.Fprintf(c.ErrOrStderr(), "refresh failed: %s\n", autherr.MessageOf(err))
		}
		s, err := m.CheckAuthStatus(ctx)
		printState(c, s, err)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the saved token fresh until interrupted",
	Long: `Watch the token file, report sign in and sign out made by other
processes, and refresh the token shortly before it expires.`,
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := bootstrap()
		if err != nil {
			return err
		}
		ctx := c.Context()
		refresher := tokenAPI(cfg, exchange.NewHandler(cfg.ExchangeConfig()))

		m := authstate.NewManager(tokenstore.NewFile(tokenFile(cfg)), refresher, newProfileClient(cfg),
			authstate.WithOnChange(func(s authstate.State) {
				if !s.IsLoading {
					printState(c, s, nil)
				}
			}))
		return m.Run(ctx)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the saved token",
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := bootstrap()
		if err != nil {
			return err
		}
		m := authstate.NewManager(tokenstore.NewFile(tokenFile(cfg)), nil, nil)
		if err := m.Logout(c.Context()); err != nil {
			return err
		}
		fmt.Fprintln(c.OutOrStdout(), "Signed out.")
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginHint, "email", "", "email address to prefill on the sign in page")
	loginCmd.Flags().BoolVar(&noBrowser, "no-browser", false, "print the authorization URL instead of opening it")
}

func printState(c *cobra.Command, s authstate.State, err error) {
	out := c.OutOrStdout()
	if !s.IsAuthenticated {
		fmt.Fprintln(out, "Not signed in.")
		return
	}
	switch {
	case s.Customer != nil:
		fmt.Fprintf(out, "Signed in as %s.", s.Customer.DisplayName())
	default:
		fmt.Fprint(out, "Signed in.")
	}
	if s.ExpiresAt != nil {
		fmt.Fprintf(out, " Token expires %s.", s.ExpiresAt.Local().Format(time.RFC1123))
	}
	fmt.Fprintln(out)
	if err != nil {
		fmt.Fprintf(c.ErrOrStderr(), "profile unavailable: %s\n", autherr.MessageOf(err))
	}
}

func openBrowser(authURL string) {
	fmt.Printf("Open this URL to sign in:\n\n  %s\n\n", authURL)
	if noBrowser {
		return
	}
	if err := open.Run(authURL); err != nil {
		log.WithError(err).Debug("failed to open browser")
	}
}

// loopbackLogin runs one login: it serves the callback and the token API on
// the app URL's host, opens the authorization URL and waits for the result.
func loopbackLogin(ctx context.Context, cfg config.Config, tokens tokenstore.Store, hint string, show func(string)) error {
	u, err := url.Parse(cfg.Shop.AppURL)
	if err != nil || u.Host == "" {
		return autherr.New(autherr.KindConfiguration, "Sign in is not configured. Please contact support.").
			WithDetail("app URL %q has no host", cfg.Shop.AppURL)
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", u.Host, err)
	}

	flows := flowstore.NewMemory()
	results := make(chan auth.Result, 1)
	in := auth.NewInitiator(cfg.AuthConfig())
	exchangeHandler := exchange.NewHandler(cfg.ExchangeConfig(), exchange.WithProcessors(logging.RequestID{}))
	authHandler := auth.NewHandler(in, tokenAPI(cfg, exchangeHandler),
		func(http.ResponseWriter, *http.Request) flowstore.Store { return flows },
		func(http.ResponseWriter, *http.Request) tokenstore.Store { return tokens },
		auth.WithDev(cfg.Dev),
		auth.WithRedirectDelay(0),
		auth.WithProcessors(logging.RequestID{}),
		auth.WithResultHook(func(res auth.Result) {
			select {
			case results <- res:
			default:
			}
		}),
	)

	mux := http.NewServeMux()
	mux.Handle("/auth/", authHandler)
	mux.Handle(exchange.TokenPath, exchangeHandler)
	mux.Handle(exchange.RefreshPath, exchangeHandler)
	mux.HandleFunc("GET "+auth.DefaultReturnTo, endpoint.HandleFunc(func(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		return &endpoint.StringRenderer{Body: "Signed in. You can close this window."}, nil
	}))
	srv := &http.Server{Handler: logging.AccessLog(mux), ReadHeaderTimeout: 10 * time.Second}
	go srv.Serve(ln)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	authURL, err := in.Begin(ctx, flows, auth.LoginRequest{LoginHint: hint})
	if err != nil {
		return err
	}
	show(authURL)

	timer := time.NewTimer(loginTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return autherr.New(autherr.KindSessionExpired, "Sign in timed out. Please try again.")
	case res := <-results:
		if res.Status == auth.StatusSuccess {
			return nil
		}
		return autherr.New(res.Kind, res.Message).WithDetail("%s", res.Detail)
	}
}
