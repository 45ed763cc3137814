package aws

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	taggingtypes "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi/types"

	"github.com/scorchlab/scorch/providers"
)

// Query returns every resource carrying all of the filter tags, using
// the Resource Groups Tagging API so no per-service listing is needed.
func (c inventoryAPI) Query(ctx context.Context, tagFilter map[string]string) ([]providers.ResourceRef, error) {
	filters := make([]taggingtypes.TagFilter, 0, len(tagFilter))
	for key, value := range tagFilter {
		filters = append(filters, taggingtypes.TagFilter{
			Key:    aws.String(key),
			Values: []string{value},
		})
	}

	var refs []providers.ResourceRef
	paginator := resourcegroupstaggingapi.NewGetResourcesPaginator(c.p.tagging, &resourcegroupstaggingapi.GetResourcesInput{
		TagFilters: filters,
	})

	for paginator.HasMorePages() {
		callCtx, cancel := c.p.callCtx(ctx)
		output, err := paginator.NextPage(callCtx)
		cancel()
		if err != nil {
			return nil, classify("query_inventory", err)
		}

		for _, mapping := range output.ResourceTagMappingList {
			refs = append(refs, convertTagMapping(mapping))
		}
	}

	return refs, nil
}

func convertTagMapping(mapping taggingtypes.ResourceTagMapping) providers.ResourceRef {
	arn := aws.ToString(mapping.ResourceARN)

	tags := make(map[string]string, len(mapping.Tags))
	name := ""
	for _, tag := range mapping.Tags {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
		if aws.ToString(tag.Key) == "Name" {
			name = aws.ToString(tag.Value)
		}
	}

	return providers.ResourceRef{
		ID:   arn,
		Type: resourceTypeFromARN(arn),
		Name: name,
		Tags: tags,
	}
}

// resourceTypeFromARN derives "service:resource" from an ARN, e.g.
// arn:aws:ec2:us-east-1:123:instance/i-0abc -> "ec2:instance".
func resourceTypeFromARN(arn string) string {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) < 6 {
		return "unknown"
	}
	service := parts[2]
	rest := parts[5]

	if idx := strings.IndexAny(rest, "/:"); idx > 0 {
		return service + ":" + rest[:idx]
	}
	return service + ":" + rest
}
