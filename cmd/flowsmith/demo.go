package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/flowsmith-dev/flowsmith"
	"github.com/flowsmith-dev/flowsmith/pkg/builder"
	"github.com/flowsmith-dev/flowsmith/pkg/catalog"
	"github.com/flowsmith-dev/flowsmith/pkg/config"
	"github.com/flowsmith-dev/flowsmith/pkg/node"
)

// loopbackPersister keeps the "remote" workflow in process memory. It
// stands in for the real persistence service in serve and demo modes.
type loopbackPersister struct {
	mu        sync.Mutex
	workflows map[string][]node.Node
}

func newLoopbackPersister() *loopbackPersister {
	return &loopbackPersister{workflows: make(map[string][]node.Node)}
}

func (p *loopbackPersister) UpdateWorkflow(_ context.Context, workflowID string, nodes []node.Node) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workflows[workflowID] = node.Clone(nodes)
	return true, nil
}

// loopbackExecutor reports every execution test as successful.
type loopbackExecutor struct{}

func newLoopbackExecutor() *loopbackExecutor {
	return &loopbackExecutor{}
}

func (e *loopbackExecutor) ExecuteWorkflow(_ context.Context, workflowID string, _ builder.ExecuteRequest) (map[string]any, error) {
	return map[string]any{
		"status": "success",
		"data":   map[string]any{"workflow": workflowID},
	}, nil
}

func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Walk the session lifecycle against in-process collaborators",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDemo(cmd)
		},
	}
}

func runDemo(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	rt, err := flowsmith.New(config.Default(), flowsmith.Options{
		Persister: newLoopbackPersister(),
		Executor:  newLoopbackExecutor(),
		Catalog:   catalog.NewStatic([]string{"http.request", "set", "if", "merge"}),
	})
	if err != nil {
		return err
	}
	defer rt.Shutdown(context.Background())

	engine := rt.Engine()

	sess, err := engine.CreateSession(ctx, "demo-workflow")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "session created: %s\n", sess.Handle)

	for _, nodeType := range []string{"http.request", "set"} {
		admitted, err := engine.AddNode(ctx, sess.Handle, node.Partial{Type: nodeType})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "node admitted: %s (%s)\n", admitted.ID, admitted.Type)
	}

	cp, err := engine.CreateCheckpoint(ctx, sess.Handle, "two nodes")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "checkpoint %d created: %s\n", cp.ID, cp.Hash[:16])

	if _, err := engine.AddNode(ctx, sess.Handle, node.Partial{Type: "merge"}); err != nil {
		return err
	}
	fmt.Fprintln(out, "node admitted: merge")

	// A hostile definition is rejected before anything changes.
	if _, err := engine.AddNode(ctx, sess.Handle, node.Partial{Type: "shell.exec"}); err != nil {
		fmt.Fprintf(out, "rejected as expected: %s\n", builder.KindOf(err))
	}

	restored, err := engine.Rollback(ctx, sess.Handle, cp.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "rolled back to checkpoint %d: %d nodes\n", cp.ID, len(restored))

	result, err := engine.ExecuteTest(ctx, sess.Handle)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "execution test: %s\n", result.Status)

	history, err := engine.History(ctx, sess.Handle)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "checkpoint history (%d):\n", len(history))
	for _, info := range history {
		fmt.Fprintf(out, "  #%d %q %s\n", info.ID, info.Label, info.CreatedAt.Format("15:04:05"))
	}

	trail, err := engine.AuditTrail(ctx, sess.Handle)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "audit trail (%d entries):\n", len(trail))
	for _, entry := range trail {
		fmt.Fprintf(out, "  %-20s success=%v %s\n", entry.Operation, entry.Success, entry.Error)
	}
	return nil
}
