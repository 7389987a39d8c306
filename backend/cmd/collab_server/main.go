package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"formCollab/backend/internal/cache"
	"formCollab/backend/internal/collab"
	"formCollab/backend/internal/httpapi/handlers"
	"formCollab/backend/internal/httpapi/middleware"
	"formCollab/backend/internal/store"
	"formCollab/backend/internal/ws"
)

type CollabConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Collab struct {
		ReaperIntervalSeconds int `mapstructure:"reaperIntervalSeconds"`
		ForceSyncTimeoutMS    int `mapstructure:"forceSyncTimeoutMs"`
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
	log.Printf("config: %+v", cfg)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	dsn := cfg.Mysql.DSN
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	gormDB, err := store.InitMySQL(dsn)
	if err != nil {
		log.Fatalf("Failed to init gorm: %v", err)
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

	mirror := cache.NewRedisMirror(rdb)
	hub := ws.NewHub(mirror)
	snapshotStore := store.NewSnapshotStore(db)
	documentStore := store.NewDocumentStore(gormDB)

	kafkaSem := collab.NewSemaphoreControl()
	wsSem := collab.NewSemaphoreControl()

	// Kafka 本地队列 + worker 重试发送
	events := collab.NewEventDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		collab.EventDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)

	forceTimeout := time.Duration(cfg.Collab.ForceSyncTimeoutMS) * time.Millisecond
	syn := collab.NewSynchronizer(forceTimeout)
	svc := collab.NewInMemoryService(documentStore, snapshotStore, events, syn)
	manager := ws.NewManager(hub, svc, wsSem)

	reaperInterval := time.Duration(cfg.Collab.ReaperIntervalSeconds) * time.Second
	reaper := collab.NewReaper(svc, hub, reaperInterval, mirror.SweepExpired)
	reaper.Start()
	defer reaper.Stop()

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	docHandler := handlers.NewDocumentHandler(svc)

	group := r.Group("/collab")
	// 鉴权：从 Authorization 或 ?token= 提取并本地校验，写入 userId/username
	group.Use(middleware.AuthMiddleware())
	group.GET("/ws", manager.WebSocketConnect)
	group.GET("/documents/:documentID", docHandler.GetDocument)
	group.GET("/documents/:documentID/snapshots", docHandler.ListSnapshots)
	group.GET("/documents/:documentID/presence", docHandler.GetPresence)
	group.POST("/sync/force", docHandler.ForceSync)

	r.GET("/collab/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "ok",
		})
	})

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
