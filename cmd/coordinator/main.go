package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentforge/coordinator/internal/bus"
	"github.com/agentforge/coordinator/internal/config"
	"github.com/agentforge/coordinator/internal/events"
	"github.com/agentforge/coordinator/internal/logging"
	"github.com/agentforge/coordinator/internal/orchestrator"
	"github.com/agentforge/coordinator/internal/persistence"
	"github.com/agentforge/coordinator/internal/worker"
)

func main() {
	dbPath := flag.String("db", ".coordinator/coordinator.db", "SQLite database path")
	logDir := flag.String("log-dir", "", "log directory (empty logs to stderr)")
	logLevel := flag.String("log-level", "INFO", "log level: DEBUG, INFO, WARN, ERROR")
	goal := flag.String("goal", "build the demo feature", "goal to decompose and execute")
	flag.Parse()

	// Signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(*logDir, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	store, err := persistence.NewSQLiteStore(ctx, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}

	roster := worker.NewStaticRoster(
		worker.Descriptor{ID: "worker-leader", Role: "leader", Capabilities: []string{"planning"}, Status: worker.StatusIdle},
		worker.Descriptor{ID: "worker-1", Role: "worker", Capabilities: []string{"coding", "testing"}, Status: worker.StatusIdle},
		worker.Descriptor{ID: "worker-2", Role: "reviewer", Capabilities: []string{"review"}, Status: worker.StatusIdle},
	)

	coord, err := orchestrator.New(*cfg, orchestrator.Options{
		Store:  store,
		Roster: roster,
		Logger: logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating coordinator: %v\n", err)
		os.Exit(1)
	}
	defer coord.Close()

	// In-process demo workers that simulate execution
	var workers []*worker.LocalWorker
	for _, desc := range roster.Workers() {
		w := worker.NewLocalWorker(desc, coord.Bus(), simulate, logger)
		if err := w.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting worker %s: %v\n", desc.ID, err)
			os.Exit(1)
		}
		workers = append(workers, w)
	}
	defer func() {
		for _, w := range workers {
			w.Stop()
		}
	}()

	// Observe workflow completion
	workflowEvents := coord.Events().Subscribe(events.TopicWorkflow, 0)

	runErr := make(chan error, 1)
	go func() { runErr <- coord.Run(ctx) }()

	wf, err := coord.CreateExecutionPlan(ctx, bus.System, *goal)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating execution plan: %v\n", err)
		os.Exit(1)
	}
	log.Printf("Created workflow %s with %d tasks", wf.ID, len(wf.Tasks))

	if _, err := coord.DistributeTasks(ctx, wf.ID); err != nil {
		fmt.Fprintf(os.Stderr, "Error distributing tasks: %v\n", err)
		os.Exit(1)
	}

	for {
		select {
		case ev, ok := <-workflowEvents:
			if !ok {
				return
			}
			if done, isDone := ev.(events.WorkflowCompletedEvent); isDone && done.WorkflowID == wf.ID {
				log.Printf("Workflow %s finished (succeeded=%v)", done.WorkflowID, done.Succeeded)
				stop()
				if err := <-runErr; err != nil {
					log.Printf("Coordinator error: %v", err)
				}
				printSummary(coord)
				return
			}
		case <-ctx.Done():
			stop()
			log.Println("Shutdown signal received, cleaning up...")
			if err := <-runErr; err != nil {
				log.Printf("Coordinator error: %v", err)
			}
			printSummary(coord)
			return
		}
	}
}

// simulate stands in for a real worker agent.
func simulate(ctx context.Context, assignment bus.AssignmentPayload) (any, error) {
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return fmt.Sprintf("%s done", assignment.TaskType), nil
}

func printSummary(coord *orchestrator.Coordinator) {
	queue := coord.GetQueueStatus()
	log.Printf("Queue: completed=%d failed=%d blocked=%d pending=%d",
		queue.Completed, queue.Failed, queue.Blocked, queue.Pending)
	for _, snap := range coord.GetWorkflowStatus() {
		log.Printf("Workflow %s: %s (%d%%)", snap.ID, snap.Status, snap.Progress.Percent)
	}
}
