package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/entity"
	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/repository"
	"github.com/zirenlegend/EverMemOS-sub001/internal/domain/service"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/cache"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/config"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/logger"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/persistence"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/searchindex"
	"github.com/zirenlegend/EverMemOS-sub001/internal/infrastructure/vectorstore"
)

// memctl 运维工具：直连存储后端做清理 / 字段迁移 / 队列巡检。
// 不经过 HTTP 服务，可在服务下线时使用。

var (
	flagUserID       string
	flagGroupID      string
	flagEmbeddingDim int
	flagBatchSize    int
)

func main() {
	root := &cobra.Command{
		Use:   "memctl",
		Short: "Admin tool for the memory service storage backends",
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all memory records for a user/group across all backends",
		RunE:  runClear,
	}
	clearCmd.Flags().StringVar(&flagUserID, "user-id", "", "delete personal-scope records of this user")
	clearCmd.Flags().StringVar(&flagGroupID, "group-id", "", "delete group-scope records of this group")
	clearCmd.Flags().IntVar(&flagEmbeddingDim, "embedding-dim", 1024, "vector dimension (used only if the collection is missing)")

	migrateCmd := &cobra.Command{
		Use:   "migrate-field <field>",
		Short: "Batch re-write a derived field (search_content | linked_episode_id)",
		Args:  cobra.ExactArgs(1),
		RunE:  runMigrateField,
	}
	migrateCmd.Flags().IntVar(&flagBatchSize, "batch-size", 200, "records per page during migration")
	migrateCmd.Flags().IntVar(&flagEmbeddingDim, "embedding-dim", 1024, "vector dimension (used only if the collection is missing)")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show buffer queue stats for a group key",
		RunE:  runStats,
	}
	statsCmd.Flags().StringVar(&flagGroupID, "group-id", "", "group key (group_id, or sender_id for private chats)")
	_ = statsCmd.MarkFlagRequired("group-id")

	root.AddCommand(clearCmd, migrateCmd, statsCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// storageSet 运维操作所需的存储后端集合
type storageSet struct {
	cfg    *config.Config
	log    *zap.Logger
	docs   repository.DocumentStore
	text   repository.TextIndex
	vector repository.VectorIndex
}

func openStorage() (*storageSet, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.NewLogger(logger.Config{Level: "warn", Format: "console"})
	if err != nil {
		return nil, err
	}

	db, err := persistence.NewDBConnection(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	text, err := searchindex.NewBleveIndex(cfg.TextIndex.Path, log)
	if err != nil {
		return nil, fmt.Errorf("open text index: %w", err)
	}

	var vector repository.VectorIndex
	if cfg.Qdrant.StoreType == "memory" {
		vector = vectorstore.NewInMemoryVectorStore()
	} else {
		vector, err = vectorstore.NewQdrantStore(cfg.Qdrant, flagEmbeddingDim, log)
		if err != nil {
			return nil, fmt.Errorf("open vector index: %w", err)
		}
	}

	return &storageSet{
		cfg:    cfg,
		log:    log,
		docs:   persistence.NewGormMemoryRepository(db),
		text:   text,
		vector: vector,
	}, nil
}

func (s *storageSet) close() {
	_ = s.text.Close()
	_ = s.vector.Close()
}

func runClear(cmd *cobra.Command, args []string) error {
	if flagUserID == "" && flagGroupID == "" {
		return fmt.Errorf("at least one of --user-id / --group-id is required")
	}

	st, err := openStorage()
	if err != nil {
		return err
	}
	defer st.close()

	// clear 不做嵌入，三元删除不需要嵌入器
	writer := service.NewTripleWriter(st.docs, st.text, st.vector, nil, st.log)
	deleted, err := writer.DeleteByFilters(cmd.Context(), repository.Filters{
		UserID:  flagUserID,
		GroupID: flagGroupID,
		Scope:   entity.ScopeAll,
	})
	if err != nil {
		return err
	}

	fmt.Printf("deleted %d records\n", deleted)
	return nil
}

func runMigrateField(cmd *cobra.Command, args []string) error {
	field := args[0]
	st, err := openStorage()
	if err != nil {
		return err
	}
	defer st.close()

	switch field {
	case "search_content":
		return reindexSearchContent(cmd.Context(), st)
	case "linked_episode_id":
		return backfillLinkedEpisodes(cmd.Context(), st)
	default:
		return fmt.Errorf("unsupported field %q (supported: search_content, linked_episode_id)", field)
	}
}

// reindexSearchContent 按页扫描文档库，重建文本索引里的可检索投影
func reindexSearchContent(ctx context.Context, st *storageSet) error {
	offset, indexed := 0, 0
	for {
		recs, _, err := st.docs.Fetch(ctx, repository.FetchQuery{
			Limit:  flagBatchSize,
			Offset: offset,
			Sort:   repository.SortAsc,
		})
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			break
		}
		for _, rec := range recs {
			if err := st.text.Index(ctx, rec); err != nil {
				return fmt.Errorf("reindex %s: %w", rec.EventID, err)
			}
			indexed++
		}
		offset += len(recs)
	}
	fmt.Printf("reindexed %d records\n", indexed)
	return nil
}

// backfillLinkedEpisodes 用 Episode 的 memcell_event_id_list
// 回填历史 MemCell 缺失的 linked_episode_id
func backfillLinkedEpisodes(ctx context.Context, st *storageSet) error {
	offset, linked := 0, 0
	for {
		episodes, _, err := st.docs.Fetch(ctx, repository.FetchQuery{
			Filters: repository.Filters{Kind: entity.KindEpisode},
			Limit:   flagBatchSize,
			Offset:  offset,
			Sort:    repository.SortAsc,
		})
		if err != nil {
			return err
		}
		if len(episodes) == 0 {
			break
		}
		for _, ep := range episodes {
			if len(ep.MemCellEventIDs) == 0 {
				continue
			}
			if err := st.docs.MarkLinked(ctx, ep.MemCellEventIDs, ep.EventID); err != nil {
				return fmt.Errorf("backfill episode %s: %w", ep.EventID, err)
			}
			linked += len(ep.MemCellEventIDs)
		}
		offset += len(episodes)
	}
	fmt.Printf("backfilled %d memcell links\n", linked)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.NewLogger(logger.Config{Level: "warn", Format: "console"})
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	queue := cache.NewBoundedQueue(rdb, cache.Config{
		MaxLength:          cfg.Queue.MaxLength,
		ExpireMinutes:      cfg.Queue.ExpireMinutes,
		CleanupProbability: cfg.Queue.CleanupProbability,
	}, log)

	stats, err := queue.Stats(cmd.Context(), flagGroupID)
	if err != nil {
		return err
	}

	fmt.Printf("group:        %s\n", flagGroupID)
	fmt.Printf("messages:     %d / %d (full: %v)\n", stats.TotalCount, stats.MaxLength, stats.IsFull)
	fmt.Printf("oldest score: %d\n", stats.OldestScore)
	fmt.Printf("newest score: %d\n", stats.NewestScore)
	fmt.Printf("ttl:          %s\n", stats.TTLRemaining)
	return nil
}
