package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/echoscribe/pkg/provider/asr"
	asrmock "github.com/MrWong99/echoscribe/pkg/provider/asr/mock"
	"github.com/MrWong99/echoscribe/pkg/provider/diarize"
	diarizemock "github.com/MrWong99/echoscribe/pkg/provider/diarize/mock"
)

func TestRecognizerFallback_FailoverToSecondary(t *testing.T) {
	primary := &asrmock.Recognizer{
		TranscribeFunc: func(ctx context.Context, samples []float32, opts asr.Options) (*asr.Result, error) {
			return nil, errors.New("whisper: model handle closed")
		},
	}
	secondary := &asrmock.Recognizer{
		TranscribeFunc: func(ctx context.Context, samples []float32, opts asr.Options) (*asr.Result, error) {
			return &asr.Result{Text: "hello from secondary"}, nil
		},
	}

	f := NewRecognizerFallback(primary, "whisper-native", BreakerConfig{TripAfter: 3})
	f.AddFallback("openai", secondary)

	res, err := f.Transcribe(context.Background(), make([]float32, 160), asr.Options{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "hello from secondary" {
		t.Errorf("text = %q, want secondary result", res.Text)
	}
}

func TestRecognizerFallback_SuspendedPrimarySkipped(t *testing.T) {
	primary := &asrmock.Recognizer{
		TranscribeFunc: func(ctx context.Context, samples []float32, opts asr.Options) (*asr.Result, error) {
			return nil, errors.New("whisper: model handle closed")
		},
	}
	secondary := &asrmock.Recognizer{
		TranscribeFunc: func(ctx context.Context, samples []float32, opts asr.Options) (*asr.Result, error) {
			return &asr.Result{Text: "ok"}, nil
		},
	}

	f := NewRecognizerFallback(primary, "whisper-native", BreakerConfig{
		TripAfter:  2,
		RetryAfter: time.Hour,
	})
	f.AddFallback("openai", secondary)

	for i := 0; i < 5; i++ {
		if _, err := f.Transcribe(context.Background(), nil, asr.Options{}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	// The primary is suspended after 2 failures; the remaining chunks must
	// not reach it.
	if calls := primary.Calls(); calls != 2 {
		t.Errorf("primary called %d times, want 2 (suspended afterwards)", calls)
	}
	if calls := secondary.Calls(); calls != 5 {
		t.Errorf("secondary called %d times, want 5", calls)
	}
}

func TestRecognizerFallback_AllBackendsFailed(t *testing.T) {
	bad := &asrmock.Recognizer{
		TranscribeFunc: func(ctx context.Context, samples []float32, opts asr.Options) (*asr.Result, error) {
			return nil, errors.New("whisper: decode failed")
		},
	}
	f := NewRecognizerFallback(bad, "whisper-native", BreakerConfig{})

	_, err := f.Transcribe(context.Background(), nil, asr.Options{})
	if !errors.Is(err, ErrAllBackendsFailed) {
		t.Errorf("err = %v, want ErrAllBackendsFailed", err)
	}
}

func TestDiarizerFallback_Failover(t *testing.T) {
	primary := &diarizemock.Diarizer{
		DiarizeFunc: func(ctx context.Context, samples []float32) ([]diarize.Turn, error) {
			return nil, errors.New("energy: feature extraction failed")
		},
	}
	secondary := &diarizemock.Diarizer{
		DiarizeFunc: func(ctx context.Context, samples []float32) ([]diarize.Turn, error) {
			return []diarize.Turn{{Label: 0, Start: 0, End: 1, Confidence: 0.9}}, nil
		},
	}

	f := NewDiarizerFallback(primary, "energy", BreakerConfig{TripAfter: 3})
	f.AddFallback("mock", secondary)

	turns, err := f.Diarize(context.Background(), make([]float32, 160))
	if err != nil {
		t.Fatalf("Diarize: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("got %d turns, want 1", len(turns))
	}
}

func TestBackoffDelays(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := b.Delay(i); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i, got, w)
		}
	}
	if got := b.Delay(10); got != 30*time.Second {
		t.Errorf("Delay(10) = %v, want cap 30s", got)
	}
}

func TestBackoffWaitHonorsContext(t *testing.T) {
	b := NewBackoff(time.Minute, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Wait(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait err = %v, want context.Canceled", err)
	}
}
