package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/openlti/ltikit/internal/config"
	"github.com/openlti/ltikit/internal/web"
	"github.com/openlti/ltikit/pkg/lti"
	"github.com/openlti/ltikit/pkg/storage"
)

func main() {
	cfg := config.FromEnv()

	// --- Trust registry + tool keys ---
	toolCfg, err := lti.LoadConfigFile(cfg.ToolConfigFile)
	if err != nil {
		log.Fatalf("tool config: %v", err)
	}
	if err := applyKeys(toolCfg, cfg); err != nil {
		log.Fatalf("tool keys: %v", err)
	}

	// --- Launch data store ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, driver, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store open failed: %v", err)
	}
	defer store.Close()

	if cfg.PublicURL == "" {
		log.Fatal("PUBLIC_URL required (absolute https base of this tool)")
	}

	h := &web.Handlers{
		Initiator: &lti.LoginInitiator{
			Config:      toolCfg,
			Store:       store,
			RedirectURI: cfg.PublicURL + "/launch",
			LoginTTL:    cfg.LoginTTL,
		},
		Validator: &lti.Validator{
			Config:    toolCfg,
			Store:     store,
			LaunchTTL: cfg.LaunchTTL,
		},
		Config: toolCfg,
		Store:  store,
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h.Mount(r)
	// Conventional discovery alias for platforms that assume the well-known path.
	r.Method(http.MethodGet, "/.well-known/jwks.json", lti.JWKSHandler(toolCfg))

	log.Printf("listening on %s (store=%s)", cfg.HTTPAddr, driver)
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, r))
}

// applyKeys loads the tool signing key PEMs and attaches them to every
// registration; deployments with per-client keys can extend the config file
// format instead.
func applyKeys(toolCfg *lti.Config, cfg config.Config) error {
	priv, err := readFileOr(cfg.PrivateKeyFile)
	if err != nil {
		return err
	}
	pub, _ := readFileOr(cfg.PublicKeyFile)
	return toolCfg.ForEachRegistration(func(issuer string, reg *lti.Registration) error {
		if priv != "" {
			if err := toolCfg.SetPrivateKey(issuer, reg.ClientID, priv); err != nil {
				return err
			}
		}
		if pub != "" {
			if err := toolCfg.SetPublicKey(issuer, reg.ClientID, pub); err != nil {
				return err
			}
		}
		return nil
	})
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, string, error) {
	driver := cfg.StoreDriver
	if driver == "" {
		// prefer a distributed backend whenever one is configured
		switch {
		case cfg.RedisAddr != "":
			driver = "redis"
		case cfg.DBDSN != "":
			driver = "sql"
		default:
			driver = "memory"
		}
	}
	switch driver {
	case "redis":
		s, err := storage.NewRedisStore(ctx, storage.RedisConfig{
			Addr:      cfg.RedisAddr,
			Username:  cfg.RedisUsername,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisPrefix,
		})
		return s, driver, err
	case "sql":
		s, err := storage.NewSQLStore(ctx, storage.Driver(cfg.DBDriver), cfg.DBDSN)
		return s, driver, err
	case "memory":
		log.Printf("using in-memory store; run redis or sql when scaling out")
		return storage.NewMemoryStore(time.Minute), driver, nil
	default:
		return nil, driver, fmt.Errorf("unsupported STORE_DRIVER %q", driver)
	}
}

func readFileOr(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
