package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/scorchlab/scorch/providers"
)

var (
	errNoTaskStarted = errors.New("no task started")
	errTaskNotFound  = errors.New("agent task not found")
)

// Deploy launches a scenario agent task. Upsert-by-name: if a task
// started under this name is already running, its ARN is returned and
// no new task launches, which keeps provisioning idempotent across
// checkpoint resumption.
func (c computeAPI) Deploy(ctx context.Context, spec providers.AgentSpec) (string, error) {
	if existing, err := c.findTask(ctx, spec.Name, ecstypes.DesiredStatusRunning); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}

	ecsTags := make([]ecstypes.Tag, 0, len(spec.Tags))
	for key, value := range spec.Tags {
		ecsTags = append(ecsTags, ecstypes.Tag{Key: aws.String(key), Value: aws.String(value)})
	}

	callCtx, cancel := c.p.callCtx(ctx)
	defer cancel()

	output, err := c.p.ecs.RunTask(callCtx, &ecs.RunTaskInput{
		Cluster:        aws.String(c.p.opts.Cluster),
		TaskDefinition: aws.String(spec.Image),
		StartedBy:      aws.String(spec.Name),
		Tags:           ecsTags,
		Overrides: &ecstypes.TaskOverride{
			ContainerOverrides: []ecstypes.ContainerOverride{{
				Name: aws.String("agent"),
				Environment: []ecstypes.KeyValuePair{
					{Name: aws.String("SCORCH_RUN_ID"), Value: aws.String(spec.RunID)},
					{Name: aws.String("SCORCH_SCENARIO"), Value: aws.String(spec.Scenario)},
					{Name: aws.String("SCORCH_SECRET_REF"), Value: aws.String(spec.SecretRef)},
					{Name: aws.String("SCORCH_DURATION"), Value: aws.String(spec.Duration.String())},
				},
			}},
		},
	})
	if err != nil {
		return "", classify("deploy_agent", err)
	}
	if len(output.Tasks) == 0 {
		if len(output.Failures) > 0 {
			return "", classify("deploy_agent", failureError(output.Failures[0]))
		}
		return "", classify("deploy_agent", errNoTaskStarted)
	}
	return aws.ToString(output.Tasks[0].TaskArn), nil
}

// GetStatus reports the agent's lifecycle state.
func (c computeAPI) GetStatus(ctx context.Context, name string) (providers.AgentStatus, error) {
	taskARN, err := c.findTask(ctx, name, "")
	if err != nil {
		return providers.AgentUnknown, err
	}
	if taskARN == "" {
		return providers.AgentUnknown, providers.NewError(providers.KindNotFound, "get_agent_status", errTaskNotFound)
	}

	callCtx, cancel := c.p.callCtx(ctx)
	defer cancel()

	output, err := c.p.ecs.DescribeTasks(callCtx, &ecs.DescribeTasksInput{
		Cluster: aws.String(c.p.opts.Cluster),
		Tasks:   []string{taskARN},
	})
	if err != nil {
		return providers.AgentUnknown, classify("get_agent_status", err)
	}
	if len(output.Tasks) == 0 {
		return providers.AgentUnknown, providers.NewError(providers.KindNotFound, "get_agent_status", errTaskNotFound)
	}

	return convertTaskStatus(output.Tasks[0]), nil
}

// Delete stops the agent task. A missing task is reported through the
// not-found classification so callers can treat it as already gone.
func (c computeAPI) Delete(ctx context.Context, name string) error {
	taskARN, err := c.findTask(ctx, name, ecstypes.DesiredStatusRunning)
	if err != nil {
		return err
	}
	if taskARN == "" {
		return providers.NewError(providers.KindNotFound, "delete_agent", errTaskNotFound)
	}

	callCtx, cancel := c.p.callCtx(ctx)
	defer cancel()

	_, err = c.p.ecs.StopTask(callCtx, &ecs.StopTaskInput{
		Cluster: aws.String(c.p.opts.Cluster),
		Task:    aws.String(taskARN),
		Reason:  aws.String("scorch cleanup"),
	})
	return classify("delete_agent", err)
}

func (c computeAPI) findTask(ctx context.Context, name string, desired ecstypes.DesiredStatus) (string, error) {
	callCtx, cancel := c.p.callCtx(ctx)
	defer cancel()

	input := &ecs.ListTasksInput{
		Cluster:   aws.String(c.p.opts.Cluster),
		StartedBy: aws.String(name),
	}
	if desired != "" {
		input.DesiredStatus = desired
	}

	output, err := c.p.ecs.ListTasks(callCtx, input)
	if err != nil {
		return "", classify("find_agent", err)
	}
	if len(output.TaskArns) == 0 {
		return "", nil
	}
	return output.TaskArns[0], nil
}

func failureError(f ecstypes.Failure) error {
	return fmt.Errorf("%s: %s", aws.ToString(f.Reason), aws.ToString(f.Detail))
}

func convertTaskStatus(task ecstypes.Task) providers.AgentStatus {
	switch aws.ToString(task.LastStatus) {
	case "PROVISIONING", "PENDING", "ACTIVATING":
		return providers.AgentPending
	case "RUNNING", "DEACTIVATING", "STOPPING", "DEPROVISIONING":
		return providers.AgentRunning
	case "STOPPED":
		for _, container := range task.Containers {
			if container.ExitCode != nil && *container.ExitCode != 0 {
				return providers.AgentFailed
			}
		}
		return providers.AgentStopped
	default:
		return providers.AgentUnknown
	}
}
