package main

import (
	"log"
	"os"
	"time"

	"policychat/internal/api"
	"policychat/internal/auth"
	"policychat/internal/chat"
	"policychat/internal/config"
	"policychat/internal/llm"
	"policychat/internal/prompt"
	"policychat/internal/redis"
	"policychat/internal/service/account"
	"policychat/internal/service/history"
	"policychat/internal/service/profile"
	"policychat/internal/storage"
	"policychat/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("POLICYCHAT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("POLICYCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Fatalf("create redis client: %v", err)
	}
	defer rdb.Close()

	// Create necessary tables: users, profiles, conversations, turns
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	tokenTTL := time.Duration(cfg.Auth.TokenTTLHours) * time.Hour
	authService := auth.NewService(db, rdb, []byte(cfg.Auth.Secret), tokenTTL)
	accountService := account.NewService(db)
	profileService := profile.NewService(db, rdb)
	historyService := history.NewService(db)

	provider := os.Getenv("POLICYCHAT_PROVIDER")
	if provider == "" {
		provider = "openai"
	}
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		log.Fatalf("provider %s not configured", provider)
	}
	chunkTimeout := time.Duration(cfg.Pipeline.ChunkTimeoutSeconds) * time.Second
	modelClient, err := llm.NewClient(provider, provCfg, chunkTimeout)
	if err != nil {
		log.Fatalf("init model client: %v", err)
	}

	composer := prompt.NewComposer(cfg.Pipeline.HistoryMaxTurns, cfg.Pipeline.MessageMaxChars)
	appends := worker.NewManager(0)
	limiter := worker.NewLimiter(cfg.Pipeline.MaxConcurrentStreams)
	controller := chat.NewController(
		authService,
		profileService,
		historyService,
		chat.NewModelAdapter(modelClient),
		appends,
		limiter,
		chat.Options{Composer: composer, RetryMax: cfg.Pipeline.StreamRetryMax},
	)

	handlers := api.NewHandler(authService, accountService, profileService, historyService, controller)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
