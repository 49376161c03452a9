package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	awshttp "github.com/aws/smithy-go/transport/http"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/pkg/logger"
)

// sesAPI is the subset of the SES v2 client the sender uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESClient sends emails via AWS SES using the SDK v2. Every send runs
// under the configured deadline; the SDK's default HTTP client has none.
type SESClient struct {
	client  sesAPI
	timeout time.Duration
}

// NewSESClient creates an SES client. With empty credentials the default
// AWS credential chain is used (IAM role on ECS). A non-positive timeout
// falls back to 30s.
func NewSESClient(ctx context.Context, accessKey, secretKey, region string, timeout time.Duration) (*SESClient, error) {
	if region == "" {
		region = "us-east-1"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SESClient{client: sesv2.NewFromConfig(cfg), timeout: timeout}, nil
}

// Send delivers a single email through AWS SES.
func (c *SESClient) Send(parent context.Context, msg *domain.OutboundMessage) (*SendReceipt, error) {
	ctx := parent
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, c.timeout)
		defer cancel()
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.Email}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLContent), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
			{Name: aws.String("recipient_id"), Value: aws.String(msg.RecipientID)},
		},
	}
	if msg.TextContent != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.TextContent), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	result, err := c.client.SendEmail(ctx, input)
	if err != nil {
		// Caller cancellation propagates as-is; our own deadline firing is
		// a transient provider failure like any other network timeout.
		if parent.Err() != nil {
			return nil, parent.Err()
		}
		return nil, classifySESError(err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}

	logger.Debug("ses send accepted", "email", msg.Email, "provider_message_id", messageID)

	return &SendReceipt{
		ProviderMessageID: messageID,
		AcceptedAt:        time.Now(),
	}, nil
}

// classifySESError maps an SDK error to the provider error taxonomy using
// the underlying HTTP status when the SDK exposes one.
func classifySESError(err error) *Error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return NewHTTPError("ses", respErr.HTTPStatusCode(), err.Error())
	}
	// No HTTP response at all: connection-level failure, retryable.
	return NewTransportError(err)
}
