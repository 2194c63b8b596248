// Package bootstrap assembles the dictation pipeline from configuration.
package bootstrap

import (
	"murmur/internal/audio"
	"murmur/internal/batching"
	"murmur/internal/bufpool"
	"murmur/internal/config"
	"murmur/internal/connection"
	"murmur/internal/credentials"
	"murmur/internal/logging"
	"murmur/internal/metrics"
	"murmur/internal/pipeline"
	"murmur/internal/ports"
	"murmur/internal/providers/deepgram"
	"murmur/internal/rules"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *pipeline.Controller
	Connection *connection.Manager
	Pool       *bufpool.Pool
	Metrics    *metrics.Metrics
	Config     config.Config
}

// Build wires all runtime dependencies. Batch sinks receive finished
// transcript batches; events may be nil.
func Build(events ports.EventSink, sinks []ports.BatchSink) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	var m *metrics.Metrics
	if cfg.Metrics.ListenAddr != "" {
		m = metrics.New()
	}

	normalizer, err := rules.NewEngine(cfg.Rules.Path, 0)
	if err != nil {
		return Services{}, err
	}

	bufpool.InitShared(bufpool.Config{
		FrameBytes:      cfg.Pool.FrameBytes,
		MaxPoolSize:     cfg.Pool.MaxPoolSize,
		Prewarm:         cfg.Pool.Prewarm,
		MaxAge:          cfg.Pool.MaxAge,
		CleanupInterval: cfg.Pool.CleanupInterval,
		GrowHitRate:     cfg.Pool.GrowHitRate,
		ShrinkHitRate:   cfg.Pool.ShrinkHitRate,
		MemoryBudgetMB:  cfg.Pool.MemoryBudgetMB,
	}, m)
	pool := bufpool.Shared()

	router := pipeline.NewFragmentRouter()
	manager := connection.NewManager(
		connection.Config{
			Settings: deepgram.Settings{
				APIBaseURL:     cfg.Deepgram.APIBaseURL,
				Model:          cfg.Deepgram.Model,
				Language:       cfg.Deepgram.Language,
				SmartFormat:    cfg.Deepgram.SmartFormat,
				InterimResults: true,
				Encoding:       "linear16",
				SampleRate:     cfg.Audio.SampleRate,
				Channels:       cfg.Audio.Channels,
				Endpointing:    cfg.Deepgram.Endpointing,
			},
			ConnectTimeout: cfg.Connection.ConnectTimeout,
			HealthInterval: cfg.Connection.HealthInterval,
			StaleAfter:     cfg.Connection.StaleAfter,
			BaseDelay:      cfg.Connection.BaseDelay,
			MaxDelay:       cfg.Connection.MaxDelay,
			MaxRetries:     cfg.Connection.MaxRetries,
			JitterFraction: cfg.Connection.JitterFraction,
		},
		credentials.NewEnvStore("DEEPGRAM_API_KEY", cfg.Deepgram.TokenFile),
		router,
		events,
		m,
	)

	newSource := func() pipeline.BatchSource {
		return batching.New(batching.Config{
			DebounceWindow:    cfg.Batching.DebounceWindow,
			ChunkSize:         cfg.Batching.ChunkSize,
			QueueSize:         cfg.Batching.QueueSize,
			TargetThroughput:  cfg.Batching.TargetThroughput,
			TuningInterval:    cfg.Batching.TuningInterval,
			QualityThreshold:  cfg.Batching.QualityThreshold,
			LowConfidence:     cfg.Batching.LowConfidence,
			ConfidenceWeight:  cfg.Batching.ConfidenceWeight,
			ThroughputWeight:  cfg.Batching.ThroughputWeight,
			ReliabilityWeight: cfg.Batching.ReliabilityWeight,
		}, normalizer, events, m)
	}

	controller := pipeline.NewController(
		audio.NewCapture(cfg.Audio.RecorderCommand),
		manager,
		pool,
		router,
		newSource,
		sinks,
		events,
		pipeline.Config{
			Audio: ports.AudioConfig{
				SampleRate:  cfg.Audio.SampleRate,
				Channels:    cfg.Audio.Channels,
				InputFormat: cfg.Audio.InputFormat,
				InputDevice: cfg.Audio.InputDevice,
			},
		},
	)

	return Services{
		Controller: controller,
		Connection: manager,
		Pool:       pool,
		Metrics:    m,
		Config:     cfg,
	}, nil
}
