package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"google.golang.org/protobuf/types/known/durationpb"
)

// NewWorker sets up a worker that runs delivery workflows against the webhook.
func NewWorker(cli client.Client, taskQueue string, webhook *WebhookChannel) worker.Worker {
	if taskQueue == "" {
		taskQueue = TaskQueue
	}

	w := worker.New(cli, taskQueue, worker.Options{})
	register(w, activities{webhook: webhook})

	return w
}

type registry interface {
	RegisterWorkflow(w any)
	RegisterActivity(a any)
}

func register(r registry, a activities) {
	r.RegisterWorkflow(workflows{}.DeliverNotification)
	r.RegisterActivity(&a)
}

// EnsureNamespace tries to make sure that the namespace this app uses exists.
//
// Returns an error when the namespace cannot be created or described.
func EnsureNamespace(ctx context.Context, cli workflowservice.WorkflowServiceClient, namespace string) error {
	_, err := cli.RegisterNamespace(ctx, &workflowservice.RegisterNamespaceRequest{
		Namespace:                        namespace,
		WorkflowExecutionRetentionPeriod: durationpb.New(72 * time.Hour),
	})
	// Handle conflict
	var alreadyErr *serviceerror.NamespaceAlreadyExists
	if errors.As(err, &alreadyErr) {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("error registering %s namespace: %s", namespace, err)
	}

	return nil
}
