package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/antigravity-dev/cortex/internal/learner"
)

// DockerBrain implements learner.Brain by running a trainer subprocess
// inside a container per Train() call, with step buffers kept in-process
// and handed to the container as a bind-mounted batch file. This is the
// out-of-process counterpart to learner.InProcessBrain named in that
// package's doc comment.
type DockerBrain struct {
	mu sync.Mutex

	cli              *client.Client
	image            string
	hparams          learner.HParams
	ctxDir           string
	globalStep       int
	trainStepCounter int
	retry            RetryPolicy

	trainBuf []dockerStep
	evalBuf  []dockerStep
}

var _ learner.Brain = (*DockerBrain)(nil)

type dockerStep struct {
	Observation learner.Observation `json:"observation"`
	Action      learner.Action      `json:"action"`
	Reward      float64             `json:"reward"`
	Phase       learner.StepPhase   `json:"phase"`
	EpisodeID   string              `json:"episode_id"`
}

// NewDockerBrain constructs a brain that runs image once per Train() call,
// mounting ctxDir (created if missing) as the container's /brain-ctx.
func NewDockerBrain(image, ctxDir string, hp learner.HParams) (*DockerBrain, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dispatch: new docker brain: %w", err)
	}
	if err := os.MkdirAll(ctxDir, 0o755); err != nil {
		return nil, fmt.Errorf("dispatch: new docker brain: %w", err)
	}
	return &DockerBrain{cli: cli, image: image, ctxDir: ctxDir, hparams: hp, retry: DefaultRetryPolicy()}, nil
}

func (b *DockerBrain) RecordStep(obs learner.Observation, reward float64, phase learner.StepPhase, episodeID string, action learner.Action, timestampMicros int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := dockerStep{Observation: obs, Action: action, Reward: reward, Phase: phase, EpisodeID: episodeID}
	idx := len(b.trainBuf) + len(b.evalBuf)
	if idx%5 == 0 {
		b.evalBuf = append(b.evalBuf, s)
	} else {
		b.trainBuf = append(b.trainBuf, s)
	}
}

func (b *DockerBrain) NumTrainFrames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.trainBuf)
}

func (b *DockerBrain) NumEvalFrames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.evalBuf)
}

func (b *DockerBrain) GlobalStep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.globalStep
}

func (b *DockerBrain) TrainStepCounter() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trainStepCounter
}

// Train bind-mounts the current step buffer and hyperparameters into a
// fresh container running b.image, blocks for it to exit, then reads back
// the updated global_step from its output file.
func (b *DockerBrain) Train() error {
	b.mu.Lock()
	batch := b.trainBuf
	hparams := b.hparams
	b.mu.Unlock()

	runDir := filepath.Join(b.ctxDir, fmt.Sprintf("run-%d", time.Now().UnixNano()))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("dispatch: train: %w", err)
	}
	defer os.RemoveAll(runDir)

	if err := writeJSON(filepath.Join(runDir, "batch.json"), batch); err != nil {
		return fmt.Errorf("dispatch: train: %w", err)
	}
	if err := writeJSON(filepath.Join(runDir, "hparams.json"), hparams); err != nil {
		return fmt.Errorf("dispatch: train: %w", err)
	}

	if err := b.runContainer(context.Background(), "train", runDir); err != nil {
		return fmt.Errorf("dispatch: train: %w", err)
	}

	var result struct {
		GlobalStep int `json:"global_step"`
	}
	if err := readJSON(filepath.Join(runDir, "result.json"), &result); err != nil {
		return fmt.Errorf("dispatch: train: %w", err)
	}

	b.mu.Lock()
	b.globalStep = result.GlobalStep
	b.trainStepCounter++
	b.mu.Unlock()
	return nil
}

func (b *DockerBrain) SaveCheckpoint(dir string) error {
	return b.runExportCommand("save_checkpoint", dir)
}

func (b *DockerBrain) ExportSavedModel(dir string) error {
	return b.runExportCommand("export_saved_model", dir)
}

func (b *DockerBrain) ConvertModelToTFLite(savedDir, outDir string) error {
	runDir := filepath.Join(b.ctxDir, fmt.Sprintf("run-%d", time.Now().UnixNano()))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("dispatch: convert to tflite: %w", err)
	}
	defer os.RemoveAll(runDir)
	if err := os.WriteFile(filepath.Join(runDir, "command.txt"), []byte("convert_to_tflite\n"+savedDir+"\n"+outDir), 0o644); err != nil {
		return fmt.Errorf("dispatch: convert to tflite: %w", err)
	}
	if err := b.runContainer(context.Background(), "convert_to_tflite", runDir); err != nil {
		return fmt.Errorf("dispatch: convert to tflite: %w", err)
	}
	return nil
}

func (b *DockerBrain) runExportCommand(command, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("dispatch: %s: %w", command, err)
	}
	runDir := filepath.Join(b.ctxDir, fmt.Sprintf("run-%d", time.Now().UnixNano()))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("dispatch: %s: %w", command, err)
	}
	defer os.RemoveAll(runDir)
	if err := os.WriteFile(filepath.Join(runDir, "command.txt"), []byte(command+"\n"+dir), 0o644); err != nil {
		return fmt.Errorf("dispatch: %s: %w", command, err)
	}
	return b.runContainer(context.Background(), command, runDir)
}

// ComputeFullEvaluation runs the container's evaluation command against
// the buffered eval frames and parses back per-version scores.
func (b *DockerBrain) ComputeFullEvaluation() ([]learner.VersionScore, error) {
	b.mu.Lock()
	batch := b.evalBuf
	b.mu.Unlock()

	runDir := filepath.Join(b.ctxDir, fmt.Sprintf("run-%d", time.Now().UnixNano()))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("dispatch: compute full evaluation: %w", err)
	}
	defer os.RemoveAll(runDir)
	if err := writeJSON(filepath.Join(runDir, "eval_batch.json"), batch); err != nil {
		return nil, fmt.Errorf("dispatch: compute full evaluation: %w", err)
	}
	if err := b.runContainer(context.Background(), "evaluate", runDir); err != nil {
		return nil, fmt.Errorf("dispatch: compute full evaluation: %w", err)
	}
	var scores []learner.VersionScore
	if err := readJSON(filepath.Join(runDir, "scores.json"), &scores); err != nil {
		return nil, fmt.Errorf("dispatch: compute full evaluation: %w", err)
	}
	return scores, nil
}

func (b *DockerBrain) HParams() learner.HParams {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hparams
}

func (b *DockerBrain) ReinitializeAgent() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.globalStep = 0
	b.trainStepCounter = 0
	b.trainBuf = nil
	b.evalBuf = nil
	return b.runContainer(context.Background(), "reinitialize", b.ctxDir)
}

func (b *DockerBrain) ClearStepBuffers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trainBuf = nil
	b.evalBuf = nil
}

// runContainer starts a short-lived container for one command invocation,
// bind-mounting runDir as /brain-ctx, blocks until it exits, tails its
// combined output for diagnostics, then removes it. Daemon-level failures
// in create/start (the daemon restarting, a transient API timeout) are
// retried under b.retry; a nonzero exit from the brain process itself is
// not, since retrying it would just repeat whatever made it fail.
func (b *DockerBrain) runContainer(ctx context.Context, command, runDir string) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = b.attemptContainer(ctx, command, runDir)
		if err == nil || !isTransientDockerErr(err) {
			return err
		}
		delay, retry := b.retry.NextRetry(attempt)
		if !retry {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (b *DockerBrain) attemptContainer(ctx context.Context, command, runDir string) error {
	hostDir, err := filepath.Abs(runDir)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("cortex-brain-%s-%d", command, time.Now().UnixNano())

	containerConfig := &container.Config{
		Image:      b.image,
		Cmd:        []string{"/brain-entrypoint.sh", command, "/brain-ctx"},
		Tty:        false,
		WorkingDir: "/brain-ctx",
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: hostDir, Target: "/brain-ctx"},
		},
	}

	resp, err := b.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return fmt.Errorf("create container: %w", dockerTransientErr{err})
	}
	defer b.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", dockerTransientErr{err})
	}

	statusCh, errCh := b.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("wait container: %w", dockerTransientErr{err})
		}
	case status := <-statusCh:
		if status.StatusCode != 0 {
			logs, _ := b.captureLogs(resp.ID)
			return fmt.Errorf("container exited %d: %s", status.StatusCode, logs)
		}
	}
	return nil
}

// dockerTransientErr marks an error as coming from the Docker API/daemon
// rather than from the brain process itself, so runContainer knows it is
// safe to retry.
type dockerTransientErr struct{ err error }

func (e dockerTransientErr) Error() string { return e.err.Error() }
func (e dockerTransientErr) Unwrap() error { return e.err }

func isTransientDockerErr(err error) bool {
	var t dockerTransientErr
	return errors.As(err, &t)
}

// captureLogs is best-effort diagnostics for an already-failed container,
// so its own failures get a couple of cheap retries (the daemon is often
// still settling right after a nonzero exit) rather than the full
// RetryPolicy used for the container run itself.
func (b *DockerBrain) captureLogs(containerID string) (string, error) {
	const maxAttempts = 3
	base, max := 100*time.Millisecond, 2*time.Second
	for attempt := 0; ; attempt++ {
		lastAttempt := time.Now()
		out, err := b.captureLogsOnce(containerID)
		if err == nil || attempt == maxAttempts-1 {
			return out, err
		}
		for !ShouldRetry(lastAttempt, attempt+1, base, max) {
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (b *DockerBrain) captureLogsOnce(containerID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logs, err := b.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", err
	}
	defer logs.Close()
	var stdout, stderr bytes.Buffer
	stdcopy.StdCopy(&stdout, &stderr, logs)
	return strings.TrimSpace(stdout.String() + "\n" + stderr.String()), nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
