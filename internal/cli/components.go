package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/hyperjump/paperscope/internal/config"
	"github.com/hyperjump/paperscope/internal/embedding"
	"github.com/hyperjump/paperscope/internal/indexer"
	"github.com/hyperjump/paperscope/internal/keyword"
	"github.com/hyperjump/paperscope/internal/mapping"
	"github.com/hyperjump/paperscope/internal/models"
	"github.com/hyperjump/paperscope/internal/search"
	"github.com/hyperjump/paperscope/internal/storage"
	"github.com/hyperjump/paperscope/internal/vector"
)

// Encoder types accepted in encoder.type.
const (
	EncoderCLIP = "clip"
	EncoderMock = "mock"
)

// Components holds initialized services.
type Components struct {
	Store        *storage.SQLiteStore
	Encoder      embedding.Encoder
	VectorIndex  vector.VectorIndex
	Mapping      *mapping.Table
	KeywordIndex *keyword.BleveIndex
	Engine       *search.Engine
	Indexer      *indexer.Indexer
	// Reconcile is the report of the consistency pass run at startup.
	Reconcile *models.ReconcileReport
}

// Close releases every component. The index snapshot is saved by the indexer on
// each mutation, so nothing is flushed here.
func (c *Components) Close() {
	if c.Encoder != nil {
		_ = c.Encoder.Close()
	}
	if c.KeywordIndex != nil {
		_ = c.KeywordIndex.Close()
	}
	if c.Mapping != nil {
		_ = c.Mapping.Close()
	}
	if c.VectorIndex != nil {
		_ = c.VectorIndex.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
}

// newEncoder builds the configured encoder. When the CLIP models cannot be loaded it
// returns a nil encoder: vector queries and ingestion still work, and text or image
// queries fail with search.ErrNoEncoder.
func newEncoder(cfg *config.Config, logger *zap.Logger) (embedding.Encoder, error) {
	switch cfg.Encoder.Type {
	case EncoderMock:
		return embedding.NewMockEncoder(cfg.Index.Dimensions), nil
	case EncoderCLIP, "":
		clip, err := embedding.NewCLIPEncoder(embedding.CLIPConfig{
			TextModelPath:  cfg.Encoder.TextModelPath,
			ImageModelPath: cfg.Encoder.ImageModelPath,
			VocabPath:      cfg.Encoder.VocabPath,
			LibraryPath:    cfg.Encoder.LibraryPath,
			Dimensions:     cfg.Index.Dimensions,
			ContextLength:  cfg.Encoder.ContextLength,
		})
		if err != nil {
			logger.Warn("CLIP encoder unavailable, text and image queries are disabled", zap.Error(err))
			return nil, nil
		}
		return embedding.NewCachingEncoder(clip, cfg.Encoder.CacheSize), nil
	default:
		return nil, fmt.Errorf("unknown encoder type: %s (supported: clip, mock)", cfg.Encoder.Type)
	}
}

// initializeComponents opens every store, reconciles them and builds the engine and
// indexer on top.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Components, err error) {
	c := &Components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.Store, err = storage.NewSQLiteStore(cfg.Storage.DatabasePath,
		storage.WithLogger(logger),
		storage.WithCacheSize(cfg.Storage.CacheSize))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	c.VectorIndex, err = vector.NewVectorIndex(cfg.Index.Type, cfg.Index.Dimensions,
		vector.WithParallelScan(cfg.Index.ParallelThreshold, cfg.Index.Workers),
		vector.WithCompression(cfg.Storage.Compress),
		vector.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	if cfg.Storage.IndexPath != "" {
		if _, statErr := os.Stat(cfg.Storage.IndexPath); statErr == nil {
			if err = c.VectorIndex.Load(cfg.Storage.IndexPath); err != nil {
				return nil, fmt.Errorf("failed to load vector index: %w", err)
			}
		} else if !errors.Is(statErr, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat vector index: %w", statErr)
		}
	}
	logger.Info("vector index initialized",
		zap.String("type", cfg.Index.Type),
		zap.Int("dimensions", c.VectorIndex.Dimensions()),
		zap.Int("live_rows", c.VectorIndex.Size()))

	c.Mapping, err = mapping.Open(cfg.Storage.MappingPath, mapping.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open identifier mapping: %w", err)
	}

	c.KeywordIndex, err = keyword.NewBleveIndex(cfg.Storage.BleveIndexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}

	c.Encoder, err = newEncoder(cfg, logger)
	if err != nil {
		return nil, err
	}
	if c.Encoder != nil && c.Encoder.Dimensions() != cfg.Index.Dimensions {
		return nil, fmt.Errorf("encoder produces %d dimensions, index expects %d: %w",
			c.Encoder.Dimensions(), cfg.Index.Dimensions, models.ErrDimensionMismatch)
	}

	c.Indexer = indexer.NewIndexer(c.VectorIndex, c.Mapping, c.Store, &cfg.Ingest,
		indexer.WithLogger(logger),
		indexer.WithKeywordIndex(c.KeywordIndex),
		indexer.WithIndexPath(cfg.Storage.IndexPath))
	c.Reconcile, err = c.Indexer.Reconcile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile stores: %w", err)
	}

	c.Engine = search.NewEngine(c.VectorIndex, c.Mapping, c.Store, c.Encoder, &cfg.Search,
		search.WithLogger(logger),
		search.WithKeywordIndex(c.KeywordIndex),
		search.WithDiskPaths(
			cfg.Storage.DatabasePath,
			cfg.Storage.IndexPath,
			cfg.Storage.MappingPath,
			cfg.Storage.BleveIndexPath,
		))
	return c, nil
}
