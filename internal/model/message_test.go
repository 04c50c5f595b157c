package model

import "testing"

func TestInferChannelType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		explicit    ChannelType
		to          string
		attachments []string
		want        ChannelType
	}{
		{"explicit wins", ChannelMMS, "user@example.com", nil, ChannelMMS},
		{"email from address", "", "user@example.com", nil, ChannelEmail},
		{"mms from attachments", "", "+15551234567", []string{"https://cdn/img.png"}, ChannelMMS},
		{"sms default", "", "+15551234567", nil, ChannelSMS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := InferChannelType(tt.explicit, tt.to, tt.attachments)
			if got != tt.want {
				t.Fatalf("InferChannelType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to MessageStatus }{
		{StatusPending, StatusQueued},
		{StatusQueued, StatusSending},
		{StatusSending, StatusSent},
		{StatusSending, StatusRetry},
		{StatusSending, StatusFailed},
		{StatusRetry, StatusSending},
		{StatusSent, StatusDelivered},
		{StatusFailed, StatusPending},
	}
	for _, tr := range allowed {
		if !CanTransition(tr.from, tr.to) {
			t.Errorf("expected %s -> %s to be allowed", tr.from, tr.to)
		}
	}

	denied := []struct{ from, to MessageStatus }{
		{StatusDelivered, StatusSending},
		{StatusSent, StatusPending},
		{StatusPending, StatusDelivered},
		{StatusFailed, StatusSent},
	}
	for _, tr := range denied {
		if CanTransition(tr.from, tr.to) {
			t.Errorf("expected %s -> %s to be denied", tr.from, tr.to)
		}
	}
}

func TestNormalizeParticipants(t *testing.T) {
	t.Parallel()

	a1, b1 := NormalizeParticipants("+15551234567", "+15559876543")
	a2, b2 := NormalizeParticipants("+15559876543", "+15551234567")

	if a1 != a2 || b1 != b2 {
		t.Fatalf("normalization is order sensitive: (%s,%s) vs (%s,%s)", a1, b1, a2, b2)
	}
	if a1 > b1 {
		t.Fatalf("expected lexicographic order, got (%s,%s)", a1, b1)
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	if !StatusFailed.Terminal() || !StatusDelivered.Terminal() {
		t.Fatalf("failed and delivered must be terminal")
	}
	if StatusSent.Terminal() {
		t.Fatalf("sent is not terminal; delivery confirmation may still arrive")
	}
}
