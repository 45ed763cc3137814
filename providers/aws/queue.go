package aws

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/scorchlab/scorch/providers"
)

// Send enqueues an execution request.
func (c queueAPI) Send(ctx context.Context, body []byte) error {
	callCtx, cancel := c.p.callCtx(ctx)
	defer cancel()

	_, err := c.p.sqs.SendMessage(callCtx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.p.opts.QueueURL),
		MessageBody: aws.String(string(body)),
	})
	return classify("queue_send", err)
}

// Receive long-polls for one execution request, returning nil when the
// poll window elapses with nothing to do.
func (c queueAPI) Receive(ctx context.Context) (*providers.Message, error) {
	callCtx, cancel := c.p.callCtx(ctx)
	defer cancel()

	output, err := c.p.sqs.ReceiveMessage(callCtx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.p.opts.QueueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
	})
	if err != nil {
		return nil, classify("queue_receive", err)
	}
	if len(output.Messages) == 0 {
		return nil, nil
	}

	msg := output.Messages[0]
	return &providers.Message{
		ID:      aws.ToString(msg.MessageId),
		Body:    []byte(aws.ToString(msg.Body)),
		Receipt: aws.ToString(msg.ReceiptHandle),
	}, nil
}

// Ack deletes a processed message so it is not redelivered.
func (c queueAPI) Ack(ctx context.Context, receipt string) error {
	callCtx, cancel := c.p.callCtx(ctx)
	defer cancel()

	_, err := c.p.sqs.DeleteMessage(callCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.p.opts.QueueURL),
		ReceiptHandle: aws.String(receipt),
	})
	return classify("queue_ack", err)
}

// Put archives a run report and returns its location.
func (c reportsAPI) Put(ctx context.Context, key string, data []byte) (string, error) {
	callCtx, cancel := c.p.callCtx(ctx)
	defer cancel()

	_, err := c.p.s3.PutObject(callCtx, &s3.PutObjectInput{
		Bucket: aws.String(c.p.opts.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", classify("put_report", err)
	}
	return fmt.Sprintf("s3://%s/%s", c.p.opts.Bucket, key), nil
}
