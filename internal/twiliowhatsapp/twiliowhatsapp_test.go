package twiliowhatsapp

import (
	"context"
	"testing"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	err := mock.SendMessage(ctx, "12345", "Hello Test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.SentMessages))
	}

	if mock.SentMessages[0].Body != "Hello Test" {
		t.Errorf("expected body %q, got %q", "Hello Test", mock.SentMessages[0].Body)
	}
}

func TestFormatButtonsAsText(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		options []string
		want    string
	}{
		{"no options", "Pick one", nil, "Pick one"},
		{"two options", "Pick one", []string{"Yes", "No"}, "Pick one\n1. Yes\n2. No"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatButtonsAsText(tt.body, tt.options); got != tt.want {
				t.Errorf("FormatButtonsAsText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("NewClient() error = nil, want error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("NewClient() error = nil, want error without from number")
	}
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromWhats("whatsapp:+15550001111"))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if c.fromWhats != "whatsapp:+15550001111" {
		t.Errorf("fromWhats = %q", c.fromWhats)
	}
}
