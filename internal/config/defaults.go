package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 20
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 32 << 20
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/paperscope/data/db/records.db"
	}
	if cfg.Storage.IndexPath == "" {
		cfg.Storage.IndexPath = "/usr/local/var/paperscope/data/indices/vectors.psvi"
	}
	if cfg.Storage.MappingPath == "" {
		cfg.Storage.MappingPath = "/usr/local/var/paperscope/data/indices/mapping.db"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = "/usr/local/var/paperscope/data/indices/bleve"
	}
	if cfg.Storage.CacheSize == 0 {
		cfg.Storage.CacheSize = 4096
	}
	if cfg.Index.Type == "" {
		cfg.Index.Type = "flat"
	}
	if cfg.Index.Dimensions == 0 {
		cfg.Index.Dimensions = 512
	}
	if cfg.Index.ParallelThreshold == 0 {
		cfg.Index.ParallelThreshold = 16384
	}
	if cfg.Encoder.Type == "" {
		cfg.Encoder.Type = "clip"
	}
	if cfg.Encoder.TextModelPath == "" {
		cfg.Encoder.TextModelPath = "/usr/local/var/paperscope/data/models/clip-vit-b32-text.onnx"
	}
	if cfg.Encoder.ImageModelPath == "" {
		cfg.Encoder.ImageModelPath = "/usr/local/var/paperscope/data/models/clip-vit-b32-vision.onnx"
	}
	if cfg.Encoder.ContextLength == 0 {
		cfg.Encoder.ContextLength = 77
	}
	if cfg.Encoder.CacheSize == 0 {
		cfg.Encoder.CacheSize = 10000
	}
	if cfg.Search.DefaultK == 0 {
		cfg.Search.DefaultK = 5
	}
	if cfg.Search.MaxK == 0 {
		cfg.Search.MaxK = 50
	}
	if cfg.Search.CandidateMultiplier == 0 {
		cfg.Search.CandidateMultiplier = 3
	}
	if cfg.Search.TextWeight == 0 && cfg.Search.ImageWeight == 0 {
		cfg.Search.TextWeight = 0.5
		cfg.Search.ImageWeight = 0.5
	}
	if cfg.Search.KeywordWeight == 0 && cfg.Search.SemanticWeight == 0 {
		cfg.Search.KeywordWeight = 0.3
		cfg.Search.SemanticWeight = 0.7
	}
	if cfg.Search.KeywordTitleBoost == 0 {
		cfg.Search.KeywordTitleBoost = 3.0
	}
	if cfg.Search.Timeout == 0 {
		cfg.Search.Timeout = 10 * time.Second
	}
	if cfg.Ingest.DuplicatePolicy == "" {
		cfg.Ingest.DuplicatePolicy = DuplicateReplace
	}
	if cfg.Ingest.BatchSize == 0 {
		cfg.Ingest.BatchSize = 256
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".json", ".jsonl"}
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 500 * time.Millisecond
	}
}
