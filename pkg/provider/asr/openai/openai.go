// Package openai implements the [asr.Recognizer] interface against the
// OpenAI audio transcription API.
//
// The API consumes an encoded audio file per request, so each chunk is
// wrapped in an in-memory 16-bit WAV container before upload. The endpoint
// returns plain text without sub-segment timing; the recognizer synthesises a
// single sub-segment spanning the whole chunk, which the merger handles like
// any other recognizer-native segment.
package openai

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	openailib "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/echoscribe/pkg/provider/asr"
)

// Compile-time assertion that Recognizer satisfies asr.Recognizer.
var _ asr.Recognizer = (*Recognizer)(nil)

// Option is a functional option for configuring a [Recognizer].
type Option func(*Recognizer)

// WithModel selects the transcription model. Defaults to whisper-1.
func WithModel(model string) Option {
	return func(r *Recognizer) { r.model = model }
}

// WithBaseURL overrides the API endpoint, e.g. for a compatible local server.
func WithBaseURL(baseURL string) Option {
	return func(r *Recognizer) { r.baseURL = baseURL }
}

// Recognizer calls the OpenAI transcription endpoint. Safe for concurrent
// use; the underlying HTTP client handles its own pooling.
type Recognizer struct {
	client  openailib.Client
	model   string
	baseURL string
}

// New creates a Recognizer authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	r := &Recognizer{model: string(openailib.AudioModelWhisper1)}
	for _, o := range opts {
		o(r)
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if r.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(r.baseURL))
	}
	r.client = openailib.NewClient(clientOpts...)
	return r, nil
}

// Transcribe uploads the chunk as a WAV file and returns the transcription.
func (r *Recognizer) Transcribe(ctx context.Context, samples []float32, opts asr.Options) (*asr.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("openai: context already cancelled: %w", err)
	}

	wavData := encodeWAV(samples, asr.SampleRate)

	params := openailib.AudioTranscriptionNewParams{
		File:  openailib.File(bytes.NewReader(wavData), "chunk.wav", "audio/wav"),
		Model: openailib.AudioModel(r.model),
	}
	if opts.Language != "" {
		params.Language = openailib.String(opts.Language)
	}
	if opts.Temperature > 0 {
		params.Temperature = openailib.Float(opts.Temperature)
	}

	resp, err := r.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: transcription request: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	result := &asr.Result{
		Text:     text,
		Language: opts.Language,
	}
	if text != "" {
		duration := float64(len(samples)) / float64(asr.SampleRate)
		result.Segments = []asr.Segment{{Start: 0, End: duration, Text: text}}
	}
	return result, nil
}

// encodeWAV wraps mono float32 samples in a minimal 16-bit PCM WAV container.
func encodeWAV(samples []float32, sampleRate int) []byte {
	dataLen := len(samples) * 2
	buf := bytes.NewBuffer(make([]byte, 0, 44+dataLen))

	write := func(v any) { _ = binary.Write(buf, binary.LittleEndian, v) }

	buf.WriteString("RIFF")
	write(uint32(36 + dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	write(uint32(16))
	write(uint16(1)) // PCM
	write(uint16(1)) // mono
	write(uint32(sampleRate))
	write(uint32(sampleRate * 2)) // byte rate
	write(uint16(2))              // block align
	write(uint16(16))             // bits per sample
	buf.WriteString("data")
	write(uint32(dataLen))

	for _, s := range samples {
		v := int(s * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		write(int16(v))
	}
	return buf.Bytes()
}
