package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	"github.com/ignite/mailflow/internal/domain"
)

type stubSES struct {
	out      *sesv2.SendEmailOutput
	err      error
	lastCtx  context.Context
	lastSend *sesv2.SendEmailInput
}

func (s *stubSES) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	s.lastCtx = ctx
	s.lastSend = params
	return s.out, s.err
}

func TestSESClient_Send(t *testing.T) {
	stub := &stubSES{out: &sesv2.SendEmailOutput{MessageId: aws.String("ses-msg-1")}}
	client := &SESClient{client: stub, timeout: 30 * time.Second}

	receipt, err := client.Send(context.Background(), &domain.OutboundMessage{
		ID:        "msg-1",
		Email:     "user@example.com",
		FromEmail: "sender@example.com",
		FromName:  "Sender",
		Subject:   "Hello",
	})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if receipt.ProviderMessageID != "ses-msg-1" {
		t.Errorf("ProviderMessageID = %q, want ses-msg-1", receipt.ProviderMessageID)
	}
	if stub.lastSend.Destination.ToAddresses[0] != "user@example.com" {
		t.Errorf("destination = %v", stub.lastSend.Destination.ToAddresses)
	}
}

func TestSESClient_SendHasBoundedDeadline(t *testing.T) {
	stub := &stubSES{out: &sesv2.SendEmailOutput{MessageId: aws.String("ses-msg-1")}}
	client := &SESClient{client: stub, timeout: 5 * time.Second}

	_, err := client.Send(context.Background(), &domain.OutboundMessage{Email: "user@example.com"})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	deadline, ok := stub.lastCtx.Deadline()
	if !ok {
		t.Fatal("SES call ran without a deadline")
	}
	remaining := time.Until(deadline)
	if remaining <= 0 || remaining > 5*time.Second {
		t.Errorf("deadline %v from now, want within (0, 5s]", remaining)
	}
}

func TestSESClient_TimeoutIsRetryable(t *testing.T) {
	stub := &stubSES{err: context.DeadlineExceeded}
	client := &SESClient{client: stub, timeout: time.Second}

	_, err := client.Send(context.Background(), &domain.OutboundMessage{Email: "user@example.com"})
	if err == nil {
		t.Fatal("Send() should fail when the SDK returns an error")
	}
	if !IsRetryable(err) {
		t.Errorf("client-side timeout should classify retryable, got %v", err)
	}
}

func TestSESClient_CallerCancellationPropagates(t *testing.T) {
	stub := &stubSES{err: errors.New("request aborted")}
	client := &SESClient{client: stub, timeout: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Send(ctx, &domain.OutboundMessage{Email: "user@example.com"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Send() error = %v, want context.Canceled", err)
	}
}
