package aws

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

const identityPath = "/scorch/"

// CreateApplication registers the identity as an IAM user under the
// engine's path. Returns the directory-assigned application id.
func (c directoryAPI) CreateApplication(ctx context.Context, name string, tags map[string]string) (string, error) {
	callCtx, cancel := c.p.callCtx(ctx)
	defer cancel()

	iamTags := make([]iamtypes.Tag, 0, len(tags))
	for key, value := range tags {
		iamTags = append(iamTags, iamtypes.Tag{Key: aws.String(key), Value: aws.String(value)})
	}

	output, err := c.p.iam.CreateUser(callCtx, &iam.CreateUserInput{
		UserName: aws.String(name),
		Path:     aws.String(identityPath),
		Tags:     iamTags,
	})
	if err != nil {
		return "", classify("create_application", err)
	}
	return aws.ToString(output.User.UserId), nil
}

// CreatePrincipal resolves the principal identifier (the ARN) for a
// registered application. IAM creates the principal together with the
// user, so this is a lookup.
func (c directoryAPI) CreatePrincipal(ctx context.Context, name string) (string, error) {
	return c.FindByName(ctx, name)
}

// IssueCredential mints an access key for the identity.
func (c directoryAPI) IssueCredential(ctx context.Context, name string) (string, string, error) {
	callCtx, cancel := c.p.callCtx(ctx)
	defer cancel()

	output, err := c.p.iam.CreateAccessKey(callCtx, &iam.CreateAccessKeyInput{
		UserName: aws.String(name),
	})
	if err != nil {
		return "", "", classify("issue_credential", err)
	}
	return aws.ToString(output.AccessKey.AccessKeyId),
		aws.ToString(output.AccessKey.SecretAccessKey), nil
}

// GrantRole attaches a managed policy to the identity. Role may be a
// full policy ARN or a bare AWS-managed policy name.
func (c directoryAPI) GrantRole(ctx context.Context, name, role string) error {
	callCtx, cancel := c.p.callCtx(ctx)
	defer cancel()

	policyARN := role
	if !strings.HasPrefix(role, "arn:") {
		policyARN = "arn:aws:iam::aws:policy/" + role
	}

	_, err := c.p.iam.AttachUserPolicy(callCtx, &iam.AttachUserPolicyInput{
		UserName:  aws.String(name),
		PolicyArn: aws.String(policyARN),
	})
	return classify("grant_role", err)
}

// FindByName looks the identity up by name, returning its principal id.
func (c directoryAPI) FindByName(ctx context.Context, name string) (string, error) {
	callCtx, cancel := c.p.callCtx(ctx)
	defer cancel()

	output, err := c.p.iam.GetUser(callCtx, &iam.GetUserInput{
		UserName: aws.String(name),
	})
	if err != nil {
		return "", classify("find_identity", err)
	}
	return aws.ToString(output.User.Arn), nil
}

// Delete removes the identity and everything attached to it: access
// keys first, then policy attachments, then the user itself.
func (c directoryAPI) Delete(ctx context.Context, name string) error {
	if err := c.deleteAccessKeys(ctx, name); err != nil {
		return err
	}
	if err := c.detachPolicies(ctx, name); err != nil {
		return err
	}

	callCtx, cancel := c.p.callCtx(ctx)
	defer cancel()
	_, err := c.p.iam.DeleteUser(callCtx, &iam.DeleteUserInput{
		UserName: aws.String(name),
	})
	return classify("delete_identity", err)
}

func (c directoryAPI) deleteAccessKeys(ctx context.Context, name string) error {
	callCtx, cancel := c.p.callCtx(ctx)
	keys, err := c.p.iam.ListAccessKeys(callCtx, &iam.ListAccessKeysInput{
		UserName: aws.String(name),
	})
	cancel()
	if err != nil {
		return classify("list_access_keys", err)
	}

	for _, key := range keys.AccessKeyMetadata {
		callCtx, cancel := c.p.callCtx(ctx)
		_, err := c.p.iam.DeleteAccessKey(callCtx, &iam.DeleteAccessKeyInput{
			UserName:    aws.String(name),
			AccessKeyId: key.AccessKeyId,
		})
		cancel()
		if err != nil {
			return classify("delete_access_key", err)
		}
	}
	return nil
}

func (c directoryAPI) detachPolicies(ctx context.Context, name string) error {
	callCtx, cancel := c.p.callCtx(ctx)
	attached, err := c.p.iam.ListAttachedUserPolicies(callCtx, &iam.ListAttachedUserPoliciesInput{
		UserName: aws.String(name),
	})
	cancel()
	if err != nil {
		return classify("list_attached_policies", err)
	}

	for _, policy := range attached.AttachedPolicies {
		callCtx, cancel := c.p.callCtx(ctx)
		_, err := c.p.iam.DetachUserPolicy(callCtx, &iam.DetachUserPolicyInput{
			UserName:  aws.String(name),
			PolicyArn: policy.PolicyArn,
		})
		cancel()
		if err != nil {
			return classify("detach_policy", err)
		}
	}
	return nil
}
