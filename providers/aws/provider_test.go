package aws

import (
	"testing"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scorchlab/scorch/providers"
)

func TestResourceTypeFromARN(t *testing.T) {
	tests := []struct {
		arn  string
		want string
	}{
		{"arn:aws:ec2:us-east-1:123456789012:instance/i-0abc123", "ec2:instance"},
		{"arn:aws:ec2:us-east-1:123456789012:security-group/sg-1", "ec2:security-group"},
		{"arn:aws:sqs:us-east-1:123456789012:my-queue", "sqs:my-queue"},
		{"arn:aws:s3:::my-bucket", "s3:my-bucket"},
		{"not-an-arn", "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, resourceTypeFromARN(tt.arn), tt.arn)
	}
}

func TestIDFromARN(t *testing.T) {
	assert.Equal(t, "i-0abc123", idFromARN("arn:aws:ec2:us-east-1:123:instance/i-0abc123"))
	assert.Equal(t, "my-queue", idFromARN("arn:aws:sqs:us-east-1:123:my-queue"))
	assert.Equal(t, "i-0abc123", idFromARN("i-0abc123"))
}

func TestCloudControlTypeName(t *testing.T) {
	assert.Equal(t, "AWS::SQS::Queue", cloudControlTypeName("sqs:queue"))
	assert.Equal(t, "AWS::ECS::Service", cloudControlTypeName("ecs:service"))
	assert.Equal(t, "AWS::Logs::LogGroup", cloudControlTypeName("logs:log-group"))
}

func TestConvertTaskStatus(t *testing.T) {
	running := ecstypes.Task{LastStatus: awssdk.String("RUNNING")}
	assert.Equal(t, providers.AgentRunning, convertTaskStatus(running))

	pending := ecstypes.Task{LastStatus: awssdk.String("PENDING")}
	assert.Equal(t, providers.AgentPending, convertTaskStatus(pending))

	stoppedClean := ecstypes.Task{
		LastStatus: awssdk.String("STOPPED"),
		Containers: []ecstypes.Container{{ExitCode: awssdk.Int32(0)}},
	}
	assert.Equal(t, providers.AgentStopped, convertTaskStatus(stoppedClean))

	stoppedDirty := ecstypes.Task{
		LastStatus: awssdk.String("STOPPED"),
		Containers: []ecstypes.Container{{ExitCode: awssdk.Int32(137)}},
	}
	assert.Equal(t, providers.AgentFailed, convertTaskStatus(stoppedDirty))
}

func TestItemRoundTrip(t *testing.T) {
	item := encodeItem("run-1", "0001", []byte("payload"), 7)

	rec, err := decodeItem(item)
	require.NoError(t, err)
	assert.Equal(t, "run-1", rec.Partition)
	assert.Equal(t, "0001", rec.Sort)
	assert.Equal(t, []byte("payload"), rec.Value)
	assert.Equal(t, int64(7), rec.Version)
}

func TestDecodeItemMalformed(t *testing.T) {
	_, err := decodeItem(map[string]ddbtypes.AttributeValue{
		"sk": &ddbtypes.AttributeValueMemberS{Value: "only-sort"},
	})
	require.Error(t, err)
}
