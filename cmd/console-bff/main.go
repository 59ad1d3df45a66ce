package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/cleranet/console-bff/config"
	"github.com/cleranet/console-bff/idp"
	"github.com/cleranet/console-bff/prettylog"
	"github.com/cleranet/console-bff/proxy"
	"github.com/cleranet/console-bff/querycache"
	"github.com/cleranet/console-bff/session"
)

func getEnv(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func main() {
	godotenv.Load()

	if os.Getenv("PRETTY_LOGS") != "false" {
		logger := slog.New(prettylog.NewHandler(slog.LevelDebug))
		slog.SetDefault(logger)
	}

	configPath := getEnv("CONSOLE_BFF_CONFIG_PATH", "config/console-bff.yaml")
	slog.Info("loading config", "config_path", configPath)
	cfg, err := config.LoadConfigFile(configPath)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge, err := idp.NewOIDCBridge(ctx, idp.Config{
		Issuer:       cfg.Provider.Issuer,
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		RedirectURI:  cfg.Provider.RedirectURI,
		Scopes:       cfg.Provider.Scopes,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer bridge.Close()

	store, writer := session.NewStore()
	manager := session.NewManager(bridge, store, writer, time.Duration(cfg.RefreshMargin),
		session.WithRoleFunc(upstreamRoleFunc(cfg.UpstreamBaseURL())),
	)
	go manager.Run(ctx)

	forwarder := proxy.NewForwarder(cfg.UpstreamBaseURL(),
		proxy.WithTokenFunc(manager.Token),
	)
	coordinator := querycache.NewCoordinator(querycache.NewCache(),
		querycache.WithRelatedKeys(querycache.CollectionKey),
	)
	relay := querycache.NewRelay(forwarder, coordinator)

	routes := proxy.NewRoutes(relay, cfg.Resources, store,
		proxy.WithAuthFlow(bridge, cfg.Provider.FrontendRedirectURI),
	)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	routes.MountRoutes(e)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.Shutdown(shutdownCtx)
	}()

	slog.Info("starting console-bff",
		"address", cfg.Address,
		"mode", cfg.Mode,
		"upstream", cfg.UpstreamBaseURL(),
	)
	if err := e.Start(cfg.Address); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

// upstreamRoleFunc resolves the session role from the upstream profile
// endpoint. The role carried in the session is only ever what the upstream
// reports, never a claim read out of the token.
func upstreamRoleFunc(baseURL string) session.RoleFunc {
	return func(ctx context.Context, accessToken string) (session.Role, error) {
		if baseURL == "" {
			return session.RoleUnknown, fmt.Errorf("upstream base URL not set")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/profile", nil)
		if err != nil {
			return session.RoleUnknown, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return session.RoleUnknown, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return session.RoleUnknown, fmt.Errorf("profile endpoint returned status %d", resp.StatusCode)
		}

		var profile struct {
			Role string `json:"role"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
			return session.RoleUnknown, err
		}
		return session.Role(profile.Role), nil
	}
}
