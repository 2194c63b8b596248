// Command murmur runs a headless dictation session: microphone audio is
// streamed to the transcription service and transcript batches are printed
// to stdout until the process is interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"murmur/internal/bootstrap"
	"murmur/internal/domain"
	"murmur/internal/ports"
)

type consoleSink struct{}

func (consoleSink) HandleBatch(batch domain.TranscriptBatch) {
	fmt.Println(batch.Text)
}

type logEvents struct{}

func (logEvents) ConnectionStateChanged(state domain.ConnectionState, detail string) {
	log.Info().Str("state", string(state)).Str("detail", detail).Msg("connection state changed")
}

func (logEvents) PipelineError(code domain.ErrorCode, detail string) {
	log.Error().Str("code", string(code)).Str("detail", detail).Msg("pipeline error")
}

func (logEvents) QualityAlert(score float64) {
	log.Warn().Float64("score", score).Msg("transcription quality degraded")
}

func (logEvents) TuningAdvice(advice string) {
	log.Info().Str("advice", advice).Msg("tuning advice")
}

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("murmur failed")
	}
}

func run() error {
	services, err := bootstrap.Build(logEvents{}, []ports.BatchSink{consoleSink{}})
	if err != nil {
		return err
	}

	if addr := services.Config.Metrics.ListenAddr; addr != "" {
		go serveMetrics(addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := services.Controller.Start(ctx); err != nil {
		return err
	}
	log.Info().Msg("dictating; interrupt to stop")

	<-ctx.Done()
	stop()

	summary, err := services.Controller.Stop(context.Background())
	services.Controller.Shutdown()
	if err != nil {
		return err
	}

	log.Info().
		Int("batches", summary.Batches).
		Dur("duration", summary.Duration).
		Msg("session complete")
	fmt.Println(summary.Transcript)
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := server.ListenAndServe(); err != nil {
		log.Error().Err(err).Msg("metrics listener failed")
	}
}
