package application

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zirenlegend/EverMemOS-sub001/internal/application/usecase"
	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/repository"
	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/service"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/cache"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/config"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/embedding"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/eventbus"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/llm"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/logger"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/persistence"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/prompt"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/searchindex"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/vectorstore"
)

// App 组合根：装配全部依赖并管理生命周期
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Service *usecase.MemoryService

	db         *gorm.DB
	rdb        *redis.Client
	textIndex  repository.TextIndex
	vectors    repository.VectorIndex
	producer   *eventbus.KafkaProducer
	dispatcher *service.Dispatcher
	watcher    *config.Watcher
}

// New 装配应用。任一依赖初始化失败即返回错误（Fatal 类）。
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: log}

	// 存储后端
	db, err := persistence.NewDBConnection(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	app.db = db
	docs := persistence.NewGormMemoryRepository(db)
	metas := persistence.NewGormMetaRepository(db)

	app.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := app.rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	queue := cache.NewBoundedQueue(app.rdb, cache.Config{
		MaxLength:          cfg.Queue.MaxLength,
		ExpireMinutes:      cfg.Queue.ExpireMinutes,
		CleanupProbability: cfg.Queue.CleanupProbability,
	}, log)

	textIndex, err := searchindex.NewBleveIndex(cfg.TextIndex.Path, log)
	if err != nil {
		return nil, fmt.Errorf("init text index: %w", err)
	}
	app.textIndex = textIndex

	// LLM / 嵌入
	llmClient := llm.NewClient(cfg.LLM, log)
	embedder, err := embedding.NewOpenAIEmbedder(cfg.Embedding, log)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}

	// 向量索引：qdrant 为生产默认，memory 供本地与测试
	switch cfg.Qdrant.StoreType {
	case "memory":
		app.vectors = vectorstore.NewInMemoryVectorStore()
	default:
		qs, err := vectorstore.NewQdrantStore(cfg.Qdrant, embedder.Dimension(), log)
		if err != nil {
			return nil, fmt.Errorf("init vector index: %w", err)
		}
		app.vectors = qs
	}

	// 提示词与事件总线
	prompts := prompt.NewRegistry(log)
	prompts.LoadOverrides("./prompts")
	app.producer = eventbus.NewKafkaProducer(cfg.Kafka, log)

	// 配置热加载：检索旋钮 + 日志级别
	app.watcher = config.NewWatcher(config.ConfigFilePath(), config.Tunables{
		RRFK:        cfg.Retrieval.RRFK,
		DefaultTopK: cfg.Retrieval.DefaultTopK,
		LogLevel:    cfg.Log.Level,
	}, func(t config.Tunables) {
		logger.SetLevel(t.LogLevel)
	}, log)

	tunables := func() (int, int) {
		t := app.watcher.Current()
		return t.RRFK, t.DefaultTopK
	}

	// 领域服务
	retry := service.RetryPolicy{
		MaxRetries: cfg.Boundary.MaxRetries,
		Backoff:    cfg.Boundary.RetryBackoff,
	}
	boundary := service.NewBoundaryDetector(llmClient, prompts, service.BoundaryConfig{
		Retry:          retry,
		HardCutSilence: time.Duration(cfg.Boundary.HardCutMinutes) * time.Minute,
		HardCutCount:   cfg.Boundary.HardCutCount,
	}, log)
	memcells := service.NewMemCellExtractor(llmClient, prompts, retry, log)
	episodes := service.NewEpisodeExtractor(llmClient, prompts, retry, log)
	writer := service.NewTripleWriter(docs, textIndex, app.vectors, embedder, log)

	var publisher service.EventPublisher
	if app.producer != nil {
		publisher = app.producer
	}
	pipeline := service.NewMemorizePipeline(service.PipelineConfig{
		EpisodeBatchSize: cfg.Episode.BatchSize,
		WriteRetries:     cfg.Boundary.MaxRetries,
	}, queue, boundary, memcells, episodes, writer, docs, metas, publisher, log)

	app.dispatcher = service.NewDispatcher(service.DispatcherConfig{
		NumQueues:        cfg.Dispatcher.NumQueues,
		MaxTotalMessages: cfg.Dispatcher.MaxTotalMessages,
		StopMaxDelay:     cfg.Dispatcher.StopMaxDelay,
	}, pipeline.Process, log)

	retriever := service.NewHybridRetriever(docs, textIndex, app.vectors, embedder,
		service.RetrieverConfig{CandidatesPerSide: cfg.Retrieval.CandidatesPerSide},
		tunables, log)
	agentic := service.NewAgenticRetriever(retriever, llmClient, prompts, service.AgenticConfig{
		Round1K:            cfg.Agentic.Round1K,
		MaxParallelRefined: cfg.Agentic.MaxParallelRefined,
		OverallTimeout:     cfg.Agentic.OverallTimeout,
		Round1Timeout:      cfg.Agentic.Round1Timeout,
		JudgeTimeout:       cfg.Agentic.JudgeTimeout,
		Round2Timeout:      cfg.Agentic.Round2Timeout,
	}, log)

	app.Service = usecase.NewMemoryService(
		app.dispatcher, retriever, agentic, docs, metas, queue, log)

	return app, nil
}

// Start 启动后台组件
func (a *App) Start(ctx context.Context) error {
	a.dispatcher.Start(ctx)
	a.producer.Start()
	if err := a.watcher.Start(); err != nil {
		a.Logger.Warn("Config watcher failed to start", zap.Error(err))
	}
	return nil
}

// Stop 优雅停机：先排空调度器，再关各连接
func (a *App) Stop() {
	a.dispatcher.Stop()
	a.watcher.Stop()
	if err := a.producer.Close(); err != nil {
		a.Logger.Warn("Failed to close event producer", zap.Error(err))
	}
	if err := a.textIndex.Close(); err != nil {
		a.Logger.Warn("Failed to close text index", zap.Error(err))
	}
	if err := a.vectors.Close(); err != nil {
		a.Logger.Warn("Failed to close vector index", zap.Error(err))
	}
	if err := a.rdb.Close(); err != nil {
		a.Logger.Warn("Failed to close redis client", zap.Error(err))
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	a.Logger.Info("Application stopped")
}
