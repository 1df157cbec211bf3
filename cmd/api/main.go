package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/buddychat/internal/config"
	"github.com/zhouzirui/buddychat/internal/handler"
	"github.com/zhouzirui/buddychat/internal/metrics"
	chatModel "github.com/zhouzirui/buddychat/internal/model/chat"
	"github.com/zhouzirui/buddychat/internal/service/ai"
	"github.com/zhouzirui/buddychat/internal/service/chat"
	"github.com/zhouzirui/buddychat/internal/store/dynamostore"
	"github.com/zhouzirui/buddychat/internal/store/sqlstore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.Store.Driver, err)
	}
	defer closeStore()
	log.Printf("conversation store: %s", cfg.Store.Driver)

	// Initialize AI generator
	var generator ai.Generator
	if cfg.AI.Enabled() {
		generator, err = ai.NewGenerator(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize AI generator: %v", err)
			log.Println("continuing without AI functionality - 请检查模型相关环境变量")
			generator = nil
		} else {
			log.Printf("AI generator initialized successfully (provider=%s)", cfg.AI.Provider)
		}
	} else {
		log.Printf("%s 凭证未配置，跳过 AI 功能初始化", cfg.AI.Provider)
	}

	exporter := metrics.NewExporter(metrics.DefaultConfig())
	router := handler.NewRouter(store, generator, exporter)

	startServer(ctx, cfg.Server, router)
}

// openStore 根据驱动创建会话存储，返回的 close 函数总是可调用。
func openStore(ctx context.Context, cfg config.StoreConfig) (chatModel.Store, func(), error) {
	noop := func() {}

	switch cfg.Driver {
	case config.DriverSQLite, config.DriverPostgres:
		store, err := sqlstore.Open(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, noop, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Printf("warning: failed to close store: %v", err)
			}
		}, nil
	case config.DriverDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("load aws config: %w", err)
		}
		store, err := dynamostore.New(dynamodb.NewFromConfig(awsCfg), cfg.DynamoTable)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case config.DriverMemory, "":
		return chat.NewMemoryStore(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("buddychat backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
