package aws

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// Set stores a secret under a deterministic name, upserting so repeated
// provisioning of the same scenario overwrites rather than fails.
func (c secretsAPI) Set(ctx context.Context, name, value string) error {
	callCtx, cancel := c.p.callCtx(ctx)
	defer cancel()

	_, err := c.p.secrets.CreateSecret(callCtx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(value),
	})
	if err == nil {
		return nil
	}

	var exists *smtypes.ResourceExistsException
	if errors.As(err, &exists) {
		putCtx, putCancel := c.p.callCtx(ctx)
		defer putCancel()
		_, err = c.p.secrets.PutSecretValue(putCtx, &secretsmanager.PutSecretValueInput{
			SecretId:     aws.String(name),
			SecretString: aws.String(value),
		})
	}
	return classify("set_secret", err)
}

// Delete removes a secret immediately, skipping the recovery window so a
// re-created scenario identity can reuse the name.
func (c secretsAPI) Delete(ctx context.Context, name string) error {
	callCtx, cancel := c.p.callCtx(ctx)
	defer cancel()

	_, err := c.p.secrets.DeleteSecret(callCtx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(name),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	return classify("delete_secret", err)
}
