package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MrWong99/echoscribe/internal/chunker"
	"github.com/MrWong99/echoscribe/internal/merger"
	"github.com/MrWong99/echoscribe/pkg/audio"
)

// Artifact file names inside a job's output directory.
const (
	chunksDir              = "chunks"
	chunksMetadataFile     = "chunks_metadata.json"
	whisperResultsFile     = "whisper_results.json"
	diarizationResultsFile = "diarization_results.json"
	finalTranscriptionFile = "final_transcription.json"
	transcriptionSRTFile   = "transcription.srt"
)

// writeChunkArtifacts persists each chunk's WAV plus a metadata index so a
// failed or interrupted job can be inspected and replayed per chunk.
func (o *Orchestrator) writeChunkArtifacts(outputDir string, chunks []chunker.Chunk) error {
	dir := filepath.Join(outputDir, chunksDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("orchestrator: create %q: %w", dir, err)
	}

	for _, c := range chunks {
		path := filepath.Join(dir, c.ID+".wav")
		if err := audio.WriteWAV(path, c.Samples, c.SampleRate); err != nil {
			return fmt.Errorf("orchestrator: chunk artifact: %w", err)
		}
	}
	return writeJSONArtifact(outputDir, chunksMetadataFile, chunks)
}

// writeFinalArtifacts persists the merged transcription as JSON and SubRip.
func writeFinalArtifacts(outputDir string, result *merger.MergedTranscription) error {
	f, err := os.Create(filepath.Join(outputDir, finalTranscriptionFile))
	if err != nil {
		return fmt.Errorf("orchestrator: create final transcription: %w", err)
	}
	if err := merger.WriteJSON(f, result); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("orchestrator: close final transcription: %w", err)
	}

	srt, err := os.Create(filepath.Join(outputDir, transcriptionSRTFile))
	if err != nil {
		return fmt.Errorf("orchestrator: create srt: %w", err)
	}
	if err := merger.WriteSRT(srt, result.Segments); err != nil {
		srt.Close()
		return err
	}
	if err := srt.Close(); err != nil {
		return fmt.Errorf("orchestrator: close srt: %w", err)
	}
	return nil
}

// writeJSONArtifact writes v as indented JSON under dir, creating dir as
// needed.
func writeJSONArtifact(dir, name string, v any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("orchestrator: create %q: %w", dir, err)
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("orchestrator: create %q: %w", name, err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		f.Close()
		return fmt.Errorf("orchestrator: encode %q: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("orchestrator: close %q: %w", name, err)
	}
	return nil
}
