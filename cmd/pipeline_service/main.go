package main

import (
	"context"
	"fmt"
	"time"

	"video_pipeline_service/internal/pipeline/api/handlers"
	"video_pipeline_service/internal/pipeline/api/router"
	"video_pipeline_service/internal/pipeline/app"
	"video_pipeline_service/internal/pipeline/domain"
	"video_pipeline_service/internal/pipeline/repository"
	"video_pipeline_service/pkg/config"
	"video_pipeline_service/pkg/database"
	"video_pipeline_service/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

func main() {
	logger.Log = logger.Initialize(config.EnvConfig.PipelineService, config.EnvConfig.PipelineServiceLogPath)
	if config.IsLocal() {
		logger.Log.SetDebugMode(true)
	}

	cfg := config.LoadConfig[config.Pipeline](config.EnvConfig.PipelineService, config.EnvConfig.PipelineServiceYAMLPath)
	orchCfg := cfg.Orchestrator.Normalize()
	uploadCfg := cfg.Upload.Normalize()

	// 1. 連線 PostgreSQL
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		cfg.PostgreSQL.Host, cfg.PostgreSQL.User, cfg.PostgreSQL.Password, cfg.PostgreSQL.Database, cfg.PostgreSQL.Port)
	db, err := database.NewPGConnection(database.Connection{
		ConnectStr: dsn,

		RetryCount:    cfg.PostgreSQL.RetryCount,
		RetryInterval: time.Duration(cfg.PostgreSQL.RetryInterval),
	})
	if err != nil {
		logger.Log.Fatal(
			"Unable to connect to postgreSQL database after retries",
			zap.String("address", fmt.Sprintf("[%s]", dsn)),
			zap.Error(err),
		)
	}

	ledger := repository.NewJobLedger(db)
	if err := ledger.AutoMigrate(); err != nil {
		logger.Log.Fatal("資料表遷移失敗", zap.Error(err))
	}

	// 2. 初始化 MinIO 客戶端
	minioClient, err := database.NewMinIOConnection(database.MinIOConnection{
		Endpoint:   fmt.Sprintf("%s:%d", cfg.MinIO.Host, cfg.MinIO.Port),
		User:       cfg.MinIO.User,
		Password:   cfg.MinIO.Password,
		BucketName: cfg.MinIO.BucketName,
		UseSSL:     cfg.MinIO.UseSSL,

		RetryCount:    cfg.MinIO.RetryCount,
		RetryInterval: time.Duration(cfg.MinIO.RetryInterval),
	})
	if err != nil {
		logger.Log.Fatal("Unable to connect to minio after retries", zap.Error(err))
	}

	gateway := app.NewArtifactGateway(minioClient, app.GatewayOptions{
		GrantTTL:    uploadCfg.GrantTTL,
		DownloadTTL: uploadCfg.DownloadTTL,
	})

	// 3. redis 進度快取
	masterName, sentinelAddrs := config.GetRedisSetting()
	progressRepo, err := database.NewRedisRepository[domain.StageProgress](masterName, sentinelAddrs, cfg.RedisPipeline.RedisDB)
	if err != nil {
		logger.Log.Fatal("Unable to connect to redis", zap.Error(err))
	}
	progressCache := app.NewProgressCache(progressRepo, orchCfg.ProgressTTL)

	// 4. RabbitMQ 派工佇列
	rabbitURL := fmt.Sprintf("amqp://%s:%s@%s:%s/", cfg.RabbitMQ.User, cfg.RabbitMQ.Password, cfg.RabbitMQ.IP, cfg.RabbitMQ.Port)
	conn, err := database.ConnectRabbitMQWithRetry(database.Connection{
		ConnectStr:    rabbitURL,
		RetryCount:    cfg.RabbitMQ.RetryCount,
		RetryInterval: time.Duration(cfg.RabbitMQ.RetryInterval),
	})
	if err != nil {
		logger.Log.Fatal("RabbitMQ 連線失敗", zap.Error(err))
	}
	defer conn.Close()

	rabbitChannel, err := database.GetRabbitMQChannelWithRetry(conn, cfg.RabbitMQ.RetryCount, time.Duration(cfg.RabbitMQ.RetryInterval))
	if err != nil {
		logger.Log.Fatal("取得 RabbitMQ Channel 失敗", zap.Error(err))
	}
	defer rabbitChannel.Close()

	if _, err := rabbitChannel.QueueDeclare(
		domain.DispatchQueueName, // queue name
		true,                     // durable
		false,                    // autoDelete
		false,                    // exclusive
		false,                    // noWait
		nil,                      // arguments
	); err != nil {
		logger.Log.Fatal("Queue Declare failed", zap.Error(err))
	}
	// 重試訊息先進 retry queue，過期後 dead-letter 回主 queue
	if _, err := rabbitChannel.QueueDeclare(
		domain.DispatchRetryQueueName,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": domain.DispatchQueueName,
		},
	); err != nil {
		logger.Log.Fatal("Retry Queue Declare failed", zap.Error(err))
	}
	rabbitRepo := database.NewRabbitRepository(rabbitChannel)
	dispatcher := app.NewRabbitDispatcher(rabbitRepo, domain.DispatchQueueName, domain.DispatchRetryQueueName)

	// 5. Kafka 工作事件串流 (未設定 brokers 時退回 no-op)
	var events app.JobEventPublisher = app.NopEventPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaWriter, err := database.NewKafkaWriterWithRetry(database.KafkaConnection{
			Brokers:       cfg.Kafka.Brokers,
			Topic:         cfg.Kafka.Topic,
			RetryCount:    cfg.Kafka.RetryCount,
			RetryInterval: time.Duration(cfg.Kafka.RetryInterval),
		})
		if err != nil {
			logger.Log.Fatal("Kafka Writer 建立失敗", zap.Error(err))
		}
		defer kafkaWriter.Close()
		events = app.NewKafkaEventPublisher(kafkaWriter)
	}

	// 6. 組裝 orchestrator 與 stage runner
	runner := app.NewStageRunner(orchCfg.StageTimeout,
		app.NewTranscodeStage(minioClient, orchCfg.WorkDir),
		app.NewTranscribeStage(minioClient, orchCfg.WorkDir),
		app.NewBurnInStage(minioClient, orchCfg.WorkDir),
		app.NewPublishStage(minioClient, orchCfg.WorkDir),
	)
	orchestrator := app.NewOrchestrator(ledger, runner, dispatcher, progressCache, events, app.OrchestratorOptions{
		MaxAttempts:        orchCfg.MaxAttempts,
		BackoffBase:        orchCfg.BackoffBase,
		BackoffMax:         orchCfg.BackoffMax,
		TranscribeLanguage: orchCfg.TranscribeLanguage,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumer := app.NewConsumer(rabbitRepo, orchestrator, domain.DispatchQueueName)
	go consumer.StartConsumer(ctx)

	// 7. 建立 Fiber 應用與 API 路由
	r := fiber.New(fiber.Config{
		DisableStartupMessage: config.IsProduction(),
	})
	r.Use(cors.New())

	pipelineHandler := &handlers.PipelineHandler{
		Gateway:      gateway,
		Orchestrator: orchestrator,
		Status:       app.NewStatusQuery(ledger, progressCache, gateway),
		Upload:       uploadCfg,
	}
	router.RegisterRoutes(r, pipelineHandler)

	logger.Log.Info(fmt.Sprintf("PipelineService listening on : %s", cfg.Port))
	if err := r.Listen(cfg.IP + ":" + cfg.Port); err != nil {
		logger.Log.Fatal("Server failed to start", zap.Error(err))
	}
}
