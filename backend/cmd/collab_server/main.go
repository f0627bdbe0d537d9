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

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"collabSession/backend/internal/cache"
	"collabSession/backend/internal/collab"
	"collabSession/backend/internal/crdt"
	"collabSession/backend/internal/httpapi/handlers"
	"collabSession/backend/internal/httpapi/middleware"
	"collabSession/backend/internal/store"
	"collabSession/backend/internal/ws"
)

type CollabConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"Auth"`
	Collab struct {
		AutosaveSeconds int `mapstructure:"autosaveSeconds"`
		SaveTimeoutMs   int `mapstructure:"saveTimeoutMs"`
	} `mapstructure:"Collab"`
}

func initConfig() (*CollabConfig, error) {
	cfg := &CollabConfig{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	kafkaSem := collab.NewSemaphoreControl(0)
	wsSem := collab.NewSemaphoreControl(0)

	// Kafka 本地队列 + worker 重试发送
	dispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)

	presenceCache := cache.NewRedisPresence(rdb)
	contentStore := store.NewContentStore(db)

	engine := crdt.NewAutomergeEngine()
	registry := collab.NewRegistry(engine)
	hub := ws.NewHub()

	saveTimeout := time.Duration(cfg.Collab.SaveTimeoutMs) * time.Millisecond
	saver := collab.NewSaver(contentStore, hub, saveTimeout)
	svc := collab.NewService(registry, contentStore, saver, dispatcher, presenceCache)
	manager := ws.NewManager(hub, svc, wsSem)

	autosaveInterval := time.Duration(cfg.Collab.AutosaveSeconds) * time.Second
	autoSaver := collab.NewAutoSaver(registry, saver, autosaveInterval)
	autoSaver.Start(context.Background())

	sessionHandler := handlers.NewSessionHandler(registry, presenceCache)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// 路由
	collabGroup := r.Group("/collab")
	// 鉴权中间件：从 Authorization 或 ?token= 提取 token，调用身份服务 verify，写入 userId/username
	collabGroup.Use(middleware.AuthMiddleware(cfg.Auth.Path))
	collabGroup.GET("/ws", manager.WebSocketConnect)
	collabGroup.GET("/sessions", sessionHandler.ListSessions)
	collabGroup.GET("/sessions/:collabID/presence", sessionHandler.GetSessionPresence)

	// 健康检查不需要鉴权
	r.GET("/collab/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen failed: %v", err)
		}
	}()
	log.Printf("collab server listening on :%d", cfg.Running.Port)

	// 优雅退出：停收新连接 -> 停自动保存 -> 等在途保存落盘 -> 清空事件队列
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	autoSaver.Stop()
	saver.Wait()
	dispatcher.Close()
	log.Println("bye")
}
