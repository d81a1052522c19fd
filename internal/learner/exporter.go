package learner

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/antigravity-dev/cortex/internal/health"
)

// ExportRequest carries everything the exporter needs to finalize one
// saved checkpoint into a permanent, zipped model record (spec §4.4.6).
type ExportRequest struct {
	ModelID              string
	CheckpointDir        string
	PermanentDir         string
	Assignment           Assignment
	EpisodeID            string
	ChunkID              int
	TrainingExamplesDone int
	MaxTrainingExamples  int
	MostRecentDemoMicros int64
	Scores               []VersionScore
	Brain                Brain
}

// ModelExporter is the single-writer pipeline that moves a checkpoint to
// its permanent location, exports SavedModel + TF-Lite artifacts, zips
// them, and records the resulting model and its evaluations in storage
// (spec §4.6). Async exports are serialized through a length-1 channel so
// at most one export runs at a time; a synchronous caller runs the same
// pipeline inline.
type ModelExporter struct {
	storage *Storage
	queue   chan ExportRequest
	errs    chan error
	done    chan struct{}

	// Metrics is nil by default; callers that construct a health.Metrics
	// set it after NewModelExporter to start recording export counts.
	Metrics *health.Metrics
}

// NewModelExporter starts the exporter's background worker.
func NewModelExporter(storage *Storage) *ModelExporter {
	e := &ModelExporter{
		storage: storage,
		queue:   make(chan ExportRequest, 1),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *ModelExporter) run() {
	defer close(e.done)
	for req := range e.queue {
		if err := e.export(req); err != nil {
			select {
			case e.errs <- err:
			default:
				// A prior error is still unread; keep the oldest one.
			}
		}
	}
}

// ExportAsync enqueues req for the background worker, surfacing any error
// from a previously queued export before accepting a new one.
func (e *ModelExporter) ExportAsync(req ExportRequest) error {
	select {
	case err := <-e.errs:
		return err
	default:
	}
	e.queue <- req
	return nil
}

// ExportSync runs the export pipeline inline and returns its error
// directly, used when synchronous_export is set (spec §4.4.1).
func (e *ModelExporter) ExportSync(req ExportRequest) error {
	return e.export(req)
}

// Close drains any in-flight export and stops the worker.
func (e *ModelExporter) Close() error {
	close(e.queue)
	<-e.done
	select {
	case err := <-e.errs:
		return err
	default:
		return nil
	}
}

// export moves the checkpoint to its permanent directory, exports the
// saved model and its TF-Lite companion, zips the result, and records the
// model plus its offline evaluations. Every filesystem write lands under
// a temp name first so PermanentDir only ever holds a complete model.
func (e *ModelExporter) export(req ExportRequest) error {
	tmpDir := req.PermanentDir + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return fmt.Errorf("learner: export %s: %w", req.ModelID, err)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("learner: export %s: %w", req.ModelID, err)
	}

	if err := copyDir(req.CheckpointDir, filepath.Join(tmpDir, "checkpoint")); err != nil {
		return fmt.Errorf("learner: export %s: %w", req.ModelID, err)
	}

	savedDir := filepath.Join(tmpDir, "saved_model")
	if err := req.Brain.ExportSavedModel(savedDir); err != nil {
		return fmt.Errorf("learner: export %s: %w", req.ModelID, err)
	}
	tfliteDir := filepath.Join(tmpDir, "tflite")
	if err := req.Brain.ConvertModelToTFLite(savedDir, tfliteDir); err != nil {
		return fmt.Errorf("learner: export %s: %w", req.ModelID, err)
	}

	// zipPath is a sibling of req.PermanentDir (e.g. "0.zip" next to "0/"),
	// matching the original exporter's layout rather than nesting the
	// archive inside the directory it archives.
	finalZip := req.PermanentDir + ".zip"
	if err := os.Remove(finalZip); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("learner: export %s: %w", req.ModelID, err)
	}
	tmpZip := finalZip + ".tmp"
	if err := zipDir(tmpDir, tmpZip); err != nil {
		os.Remove(tmpZip)
		return fmt.Errorf("learner: export %s: %w", req.ModelID, err)
	}
	if err := os.Rename(tmpZip, finalZip); err != nil {
		return fmt.Errorf("learner: export %s: %w", req.ModelID, err)
	}

	if err := os.RemoveAll(req.PermanentDir); err != nil {
		return fmt.Errorf("learner: export %s: %w", req.ModelID, err)
	}
	if err := os.Rename(tmpDir, req.PermanentDir); err != nil {
		return fmt.Errorf("learner: export %s: %w", req.ModelID, err)
	}

	modelID, err := e.storage.RecordNewModel(req.Assignment, req.EpisodeID, req.ChunkID, req.TrainingExamplesDone, req.MaxTrainingExamples, req.MostRecentDemoMicros, req.PermanentDir, finalZip, req.ModelID)
	if err != nil {
		return fmt.Errorf("learner: export %s: record model: %w", req.ModelID, err)
	}
	if err := e.storage.RecordEvaluations(req.Assignment, modelID, req.Scores); err != nil {
		return fmt.Errorf("learner: export %s: record evaluations: %w", req.ModelID, err)
	}
	e.Metrics.ModelExported(context.Background(), req.Assignment.Project, req.Assignment.Brain)
	return nil
}

// copyDir recursively copies src into dst, creating dst if needed.
func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

// zipDir archives every regular file under root into a zip at zipPath.
func zipDir(root, zipPath string) error {
	f, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || path == zipPath {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(rel)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
