package temporal

import (
	"fmt"
	"log"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/antigravity-dev/cortex/internal/learner"
)

// TaskQueue is the Temporal task queue every learner worker polls.
const TaskQueue = "cortex-learner-task-queue"

// StartWorker connects to Temporal and runs a learner worker: one
// ContinuousLearnerWorkflow execution drives the outer assignment loop,
// backed by the fetch/process/record activities below.
func StartWorker(hostPort string, storage *learner.Storage, exporter *learner.ModelExporter, modelMgr *learner.ModelManager, cfg learner.ProcessorConfig, listeners *learner.ErrorListeners, brainMaker func(learner.HParams) learner.Brain) error {
	c, err := client.Dial(client.Options{HostPort: hostPort})
	if err != nil {
		return fmt.Errorf("temporal: dial: %w", err)
	}
	defer c.Close()

	w := worker.New(c, TaskQueue, worker.Options{})

	acts := &Activities{
		Storage:    storage,
		Exporter:   exporter,
		ModelMgr:   modelMgr,
		Cfg:        cfg,
		Listeners:  listeners,
		BrainMaker: brainMaker,
	}

	w.RegisterWorkflow(ContinuousLearnerWorkflow)
	w.RegisterActivity(acts.FetchAssignmentActivity)
	w.RegisterActivity(acts.ProcessStepActivity)
	w.RegisterActivity(acts.RecordAssignmentDoneActivity)

	log.Println("cortex learner worker started on", TaskQueue)
	return w.Run(worker.InterruptCh())
}
