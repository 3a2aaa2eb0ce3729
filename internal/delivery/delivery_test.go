package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/jellycast/internal/render"
)

var testMsg = render.TestMessage("movies", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

func TestWebhookDeliver(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		header        map[string]string
		body          string
		wantErr       bool
		wantPermanent bool
		wantRetry     time.Duration
	}{
		{name: "ok", status: http.StatusOK},
		{name: "no content", status: http.StatusNoContent},
		{name: "rate limited header", status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "3"}, wantErr: true, wantRetry: 3 * time.Second},
		{name: "rate limited body", status: http.StatusTooManyRequests, body: `{"retry_after": 1.5}`, wantErr: true, wantRetry: 1500 * time.Millisecond},
		{name: "server error", status: http.StatusBadGateway, wantErr: true},
		{name: "bad request", status: http.StatusBadRequest, body: `{"message":"Invalid Form Body"}`, wantErr: true, wantPermanent: true},
		{name: "unknown webhook", status: http.StatusNotFound, wantErr: true, wantPermanent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got render.Message
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Content-Type") != "application/json" {
					t.Errorf("Content-Type = %s", r.Header.Get("Content-Type"))
				}
				_ = json.NewDecoder(r.Body).Decode(&got)
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			d := NewWebhook(zap.NewNop(), WebhookConfig{Timeout: time.Second})
			err := d.Deliver(context.Background(), server.URL, testMsg)

			if (err != nil) != tt.wantErr {
				t.Fatalf("Deliver() error = %v, wantErr %v", err, tt.wantErr)
			}
			if IsPermanent(err) != tt.wantPermanent {
				t.Errorf("IsPermanent() = %v, want %v (err %v)", IsPermanent(err), tt.wantPermanent, err)
			}
			if tt.wantRetry > 0 {
				after, ok := RetryAfter(err)
				if !ok || after != tt.wantRetry {
					t.Errorf("RetryAfter() = %v, %v; want %v", after, ok, tt.wantRetry)
				}
			}
			if got.Username != "jellycast" || len(got.Embeds) != 1 {
				t.Errorf("server received %+v", got)
			}
		})
	}
}

func TestWebhookTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	d := NewWebhook(zap.NewNop(), WebhookConfig{Timeout: 50 * time.Millisecond})
	err := d.Deliver(context.Background(), server.URL, testMsg)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if IsPermanent(err) {
		t.Errorf("timeout should be transient, got %v", err)
	}
}

type fakeSNS struct {
	in  *sns.PublishInput
	err error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

type fakeSES struct {
	in  *ses.SendEmailInput
	err error
}

func (f *fakeSES) SendEmail(_ context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("e-1")}, nil
}

func TestSNSDeliver(t *testing.T) {
	fake := &fakeSNS{}
	d := &SNS{client: fake, logger: zap.NewNop()}

	if err := d.Deliver(context.Background(), "sns:arn:aws:sns:us-east-1:123:media", testMsg); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if aws.ToString(fake.in.TopicArn) != "arn:aws:sns:us-east-1:123:media" {
		t.Errorf("TopicArn = %s", aws.ToString(fake.in.TopicArn))
	}
	if aws.ToString(fake.in.Subject) != "Test notification" {
		t.Errorf("Subject = %s", aws.ToString(fake.in.Subject))
	}

	if err := d.Deliver(context.Background(), "sns:", testMsg); !IsPermanent(err) {
		t.Errorf("empty topic error = %v, want permanent", err)
	}

	fake.err = &smithy.GenericAPIError{Code: "InvalidParameter", Fault: smithy.FaultClient}
	if err := d.Deliver(context.Background(), "sns:arn", testMsg); !IsPermanent(err) {
		t.Errorf("client fault error = %v, want permanent", err)
	}

	fake.err = &smithy.GenericAPIError{Code: "Throttling", Fault: smithy.FaultClient}
	if err := d.Deliver(context.Background(), "sns:arn", testMsg); err == nil || IsPermanent(err) {
		t.Errorf("throttling error = %v, want transient", err)
	}
}

func TestSESDeliver(t *testing.T) {
	fake := &fakeSES{}
	d := &SES{client: fake, from: "noreply@example.com", logger: zap.NewNop()}

	if err := d.Deliver(context.Background(), "mailto:ops@example.com", testMsg); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if got := fake.in.Destination.ToAddresses; len(got) != 1 || got[0] != "ops@example.com" {
		t.Errorf("ToAddresses = %v", got)
	}
	if aws.ToString(fake.in.Source) != "noreply@example.com" {
		t.Errorf("Source = %s", aws.ToString(fake.in.Source))
	}

	if err := d.Deliver(context.Background(), "mailto:nobody", testMsg); !IsPermanent(err) {
		t.Errorf("bad address error = %v, want permanent", err)
	}

	fake.err = errors.New("connection reset")
	if err := d.Deliver(context.Background(), "mailto:ops@example.com", testMsg); err == nil || IsPermanent(err) {
		t.Errorf("network error = %v, want transient", err)
	}
}

func TestMultiRouting(t *testing.T) {
	logger := zap.NewNop()
	m := NewMulti(logger,
		NewWebhook(logger, WebhookConfig{}),
		&SNS{client: &fakeSNS{}, logger: logger},
		&SES{client: &fakeSES{}, logger: logger},
		NewLog(logger),
	)

	tests := []struct {
		endpoint string
		want     bool
	}{
		{"https://discord.com/api/webhooks/1/x", true},
		{"http://localhost:9000/hook", true},
		{"sns:arn:aws:sns:us-east-1:1:t", true},
		{"mailto:a@b.c", true},
		{"log:", true},
		{"ftp://files", false},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			if got := m.Supports(tt.endpoint); got != tt.want {
				t.Errorf("Supports(%s) = %v, want %v", tt.endpoint, got, tt.want)
			}
		})
	}

	if err := m.Deliver(context.Background(), "log:", testMsg); err != nil {
		t.Errorf("Deliver(log) error = %v", err)
	}
	if err := m.Deliver(context.Background(), "ftp://files", testMsg); !IsPermanent(err) {
		t.Errorf("Deliver(unsupported) error = %v, want permanent", err)
	}
}

func TestAsciiSubject(t *testing.T) {
	if got := asciiSubject("Movie → Added ✓"); got != "Movie  Added " {
		t.Errorf("asciiSubject() = %q", got)
	}
	if got := asciiSubject("✓"); got != "jellycast notification" {
		t.Errorf("asciiSubject() = %q", got)
	}
}
