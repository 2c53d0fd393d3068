// Command antigravity-bridge serves an Anthropic-style messages API backed
// by the Antigravity endpoints, rotating stored accounts.
package main

import (
	"flag"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/rom1kus/opencode-antigravity-auth/internal/account"
	"github.com/rom1kus/opencode-antigravity-auth/internal/cache"
	"github.com/rom1kus/opencode-antigravity-auth/internal/config"
	"github.com/rom1kus/opencode-antigravity-auth/internal/handler"
	"github.com/rom1kus/opencode-antigravity-auth/internal/logging"
	"github.com/rom1kus/opencode-antigravity-auth/internal/runtime/executor"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFile)

	store := account.NewStore(cfg.AccountsFile)
	pool, err := account.NewPool(store, cfg.WaitOnRateLimit)
	if err != nil {
		log.WithError(err).Fatal("load account pool")
	}
	defer store.Close()
	if pool.Len() == 0 {
		log.Warn("account pool is empty; requests will fail until an account is added")
	}

	signatures := cache.NewSignatureCache()
	exec := executor.New(pool, cfg.MaxRetries)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	h := handler.New(pool, exec, signatures)
	h.Register(router)

	log.WithField("listen", cfg.Listen).Info("antigravity bridge listening")
	if err := router.Run(cfg.Listen); err != nil {
		log.WithError(err).Fatal("http server exited")
	}
}
