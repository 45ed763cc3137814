package aws

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudcontrol"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// DeleteByID deletes a resource by identifier. EC2 instances and security
// groups go through native APIs because their deletion semantics (terminate,
// dependency errors) are better surfaced there; everything else goes through
// the generic Cloud Control API.
func (c controlAPI) DeleteByID(ctx context.Context, resourceType, resourceID string) error {
	callCtx, cancel := c.p.callCtx(ctx)
	defer cancel()

	switch resourceType {
	case "ec2:instance":
		return c.terminateInstance(callCtx, resourceID)
	case "ec2:security-group":
		return c.deleteSecurityGroup(callCtx, resourceID)
	default:
		return c.deleteViaCloudControl(callCtx, resourceType, resourceID)
	}
}

func (c controlAPI) terminateInstance(ctx context.Context, resourceID string) error {
	_, err := c.p.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{idFromARN(resourceID)},
	})
	return classify("terminate_instance", err)
}

func (c controlAPI) deleteSecurityGroup(ctx context.Context, resourceID string) error {
	_, err := c.p.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
		GroupId: aws.String(idFromARN(resourceID)),
	})
	return classify("delete_security_group", err)
}

func (c controlAPI) deleteViaCloudControl(ctx context.Context, resourceType, resourceID string) error {
	_, err := c.p.control.DeleteResource(ctx, &cloudcontrol.DeleteResourceInput{
		TypeName:   aws.String(cloudControlTypeName(resourceType)),
		Identifier: aws.String(idFromARN(resourceID)),
	})
	return classify("delete_resource", err)
}

// cloudControlTypeName maps "service:resource" to the Cloud Control
// type name format "AWS::Service::Resource".
func cloudControlTypeName(resourceType string) string {
	parts := strings.SplitN(resourceType, ":", 2)
	if len(parts) != 2 {
		return resourceType
	}
	return "AWS::" + exportName(parts[0]) + "::" + exportName(parts[1])
}

func exportName(s string) string {
	segments := strings.Split(s, "-")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		segments[i] = strings.ToUpper(seg[:1]) + seg[1:]
	}
	out := strings.Join(segments, "")
	// A few services are conventionally upper-cased.
	switch strings.ToLower(s) {
	case "ec2", "sqs", "sns", "s3", "ecs", "iam", "rds", "kms":
		return strings.ToUpper(s)
	}
	return out
}

// idFromARN extracts the trailing resource identifier from an ARN; plain
// identifiers pass through unchanged.
func idFromARN(id string) string {
	if !strings.HasPrefix(id, "arn:") {
		return id
	}
	parts := strings.SplitN(id, ":", 6)
	rest := parts[len(parts)-1]
	if idx := strings.LastIndexAny(rest, "/:"); idx >= 0 {
		return rest[idx+1:]
	}
	return rest
}
