package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/jdholdren/crnwatch/internal/crnwatch"
)

const TaskQueue = "notifications"

// Error types in the temporal sense. Type information doesn't survive the trip
// between activity and workflow, the name does.
const errTypePermanent = "permanentDelivery"

// TemporalChannel hands each notification to a durable workflow, which owns
// retrying it from then on.
type TemporalChannel struct {
	client    client.Client
	taskQueue string
}

func NewTemporalChannel(c client.Client, taskQueue string) *TemporalChannel {
	if taskQueue == "" {
		taskQueue = TaskQueue
	}

	return &TemporalChannel{client: c, taskQueue: taskQueue}
}

// Send starts the delivery workflow. The workflow ID is the dispatch key, so
// starting the same notification twice is a no-op.
func (c *TemporalChannel) Send(ctx context.Context, userID string, ev crnwatch.ChangeEvent) error {
	n := NewNotification(userID, ev)
	options := client.StartWorkflowOptions{
		ID:                    WorkflowID(n),
		TaskQueue:             c.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}

	_, err := c.client.ExecuteWorkflow(ctx, options, workflows{}.DeliverNotification, n)
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("unable to execute workflow: %s", err)
	}

	return nil
}

func WorkflowID(n Notification) string {
	return "notify-" + n.IdempotencyKey
}

type workflows struct{}

// DeliverNotification posts one notification to the webhook until it lands or
// the webhook refuses it.
func (workflows) DeliverNotification(ctx workflow.Context, n Notification) error {
	options := workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        5 * time.Minute,
			MaximumAttempts:        10, // 0 is unlimited retries
			NonRetryableErrorTypes: []string{errTypePermanent},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, options)

	if err := workflow.ExecuteActivity(ctx, acts.PostNotification, n).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Error("failed to deliver notification", "user_id", n.UserID, "error", err)
		return err
	}

	return nil
}

type activities struct {
	webhook *WebhookChannel
}

// Instance to make the workflow a bit more readable
var acts = activities{}

func (a activities) PostNotification(ctx context.Context, n Notification) error {
	err := a.webhook.post(ctx, n)
	if errors.Is(err, crnwatch.ErrPermanentDelivery) {
		return temporal.NewNonRetryableApplicationError(err.Error(), errTypePermanent, err)
	}

	return err
}
