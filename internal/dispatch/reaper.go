package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/robfig/cron"
)

// ContainerReaper periodically removes exited cortex-brain-* containers
// left behind by a crashed or killed trainer process, the Docker-side
// counterpart to monitor.StaleSweeper's sentinel reap. Grounded on the
// teacher's CleanDeadSessions sweep (dispatch/docker.go), generalized from
// a one-shot function into a scheduled job driven by the same cron
// library the lease sweeper uses.
type ContainerReaper struct {
	cli  *client.Client
	cron *cron.Cron
}

// NewContainerReaper builds a reaper over an existing docker client.
func NewContainerReaper(cli *client.Client) *ContainerReaper {
	return &ContainerReaper{cli: cli, cron: cron.New()}
}

// Start schedules RunOnce on spec, in robfig/cron v1 syntax: fields start
// with seconds, and descriptors such as "@every 5m" are accepted.
func (r *ContainerReaper) Start(spec string) error {
	if err := r.cron.AddFunc(spec, func() { r.RunOnce(context.Background()) }); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

func (r *ContainerReaper) Stop() { r.cron.Stop() }

// RunOnce force-removes every non-running container whose name carries
// the "cortex-brain-" prefix runContainer assigns, returning the count
// reaped.
func (r *ContainerReaper) RunOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return 0
	}
	reaped := 0
	for _, c := range containers {
		if c.State == "running" {
			continue
		}
		isBrain := false
		for _, name := range c.Names {
			if strings.HasPrefix(strings.TrimPrefix(name, "/"), "cortex-brain-") {
				isBrain = true
				break
			}
		}
		if !isBrain {
			continue
		}
		if err := r.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err == nil {
			reaped++
		}
	}
	return reaped
}
