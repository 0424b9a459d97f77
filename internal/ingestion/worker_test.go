package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kb-331/vrsc-arb/internal/config"
	"github.com/kb-331/vrsc-arb/internal/domain"
	"github.com/kb-331/vrsc-arb/internal/venue"
	"github.com/kb-331/vrsc-arb/internal/venue/mock"
)

func testIngestionConfig() config.IngestionConfig {
	var cfg config.IngestionConfig
	cfg.Circuit.ErrorThreshold = 2
	cfg.Circuit.ResetTimeout = 20 * time.Millisecond
	cfg.Circuit.RecoveryThreshold = 1
	cfg.Heartbeat.CheckInterval = 10 * time.Millisecond
	cfg.Heartbeat.Timeout = 30 * time.Millisecond
	cfg.Heartbeat.MaxMissedBeats = 2
	cfg.Reconnect.BaseDelay = time.Millisecond
	cfg.Reconnect.MaxAttempts = 2
	return cfg
}

func newWorker(t *testing.T) (*Worker, *mock.Venue, chan domain.Tick) {
	t.Helper()
	v := mock.New(domain.VenueID("mexc"), "USDT")
	out := make(chan domain.Tick, 8)
	w := NewWorker(domain.VenueID("mexc"), v, testIngestionConfig(), VenueRateLimit{RPS: 1000, Concurrency: 4}, zap.NewNop(), nil, out)
	return w, v, out
}

func TestExecuteWithRetry_SuccessRecordsBreakerSuccess(t *testing.T) {
	w, _, _ := newWorker(t)

	err := w.ExecuteWithRetry(context.Background(), func(ctx context.Context) error { return nil })

	require.NoError(t, err)
	assert.Equal(t, "closed", string(w.BreakerState()))
}

func TestExecuteWithRetry_RepeatedFailuresOpenTheBreaker(t *testing.T) {
	w, _, _ := newWorker(t)
	failing := func(ctx context.Context) error { return nonRetryable{} }

	for i := 0; i < 2; i++ {
		_ = w.ExecuteWithRetry(context.Background(), failing)
	}

	assert.Equal(t, "open", string(w.BreakerState()))

	err := w.ExecuteWithRetry(context.Background(), func(ctx context.Context) error { return nil })
	assert.Error(t, err, "an open breaker must short-circuit without calling op")
}

type nonRetryable struct{}

func (nonRetryable) Error() string    { return "boom" }
func (nonRetryable) Retryable() bool  { return false }

func TestExecuteWithRetry_BreakerRecoversAfterResetTimeout(t *testing.T) {
	w, _, _ := newWorker(t)
	for i := 0; i < 2; i++ {
		_ = w.ExecuteWithRetry(context.Background(), func(ctx context.Context) error { return nonRetryable{} })
	}
	require.Equal(t, "open", string(w.BreakerState()))

	time.Sleep(30 * time.Millisecond)

	err := w.ExecuteWithRetry(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "closed", string(w.BreakerState()))
}

func TestRunStream_GivesUpAfterMaxReconnectAttempts(t *testing.T) {
	sv := &alwaysFailingStreamer{err: errors.New("no connection")}
	w := NewWorker(domain.VenueID("broken"), sv, testIngestionConfig(), VenueRateLimit{RPS: 1000, Concurrency: 4}, zap.NewNop(), nil, make(chan domain.Tick, 1))

	err := w.RunStream(context.Background())

	assert.Error(t, err)
}

func TestWorkerSink_ConcurrentOnTickAndFailDoNotRace(t *testing.T) {
	w := NewWorker(domain.VenueID("venueA"), mock.New("venueA", "USDT"), testIngestionConfig(), VenueRateLimit{RPS: 1000, Concurrency: 4}, zap.NewNop(), nil, make(chan domain.Tick, 16))
	sink := newWorkerSink(w)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			sink.OnTick(domain.Tick{Venue: "venueA"})
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		_ = sink.lastTick()
	}
	<-done

	sink.fail(errors.New("boom"))
	sink.fail(errors.New("boom again"))
	select {
	case <-sink.done:
	default:
		t.Fatal("expected done channel to be closed after fail")
	}
}

type alwaysFailingStreamer struct {
	err error
}

func (s *alwaysFailingStreamer) ID() domain.VenueID                 { return "broken" }
func (s *alwaysFailingStreamer) QuoteCcy() string                   { return "USDT" }
func (s *alwaysFailingStreamer) Capabilities() venue.Capabilities    { return venue.Capabilities{Streaming: true} }
func (s *alwaysFailingStreamer) Subscribe(ctx context.Context, sink venue.StreamSink) error {
	return s.err
}
func (s *alwaysFailingStreamer) Unsubscribe() error { return nil }
