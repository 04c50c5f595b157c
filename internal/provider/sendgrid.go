package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hatchpoint/messaging/internal/model"
)

const sendgridSignatureHeader = "X-Sendgrid-Signature"

// emailCost is flat per message; SendGrid does not report a price.
var emailCost = decimal.NewFromFloat(0.001)

// SendGrid handles email.
type SendGrid struct {
	baseURL       string
	apiKey        string
	webhookSecret string
	client        *http.Client
}

func NewSendGrid(baseURL, apiKey, webhookSecret string, timeout time.Duration) *SendGrid {
	return &SendGrid{
		baseURL:       baseURL,
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		client:        &http.Client{Timeout: timeout},
	}
}

func (p *SendGrid) Name() model.Provider { return model.ProviderSendGrid }

type sendgridSendRequest struct {
	From        string   `json:"from"`
	To          string   `json:"to"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
}

func (p *SendGrid) Send(ctx context.Context, msg OutboundMessage) (SendResult, error) {
	reqBody, err := json.Marshal(sendgridSendRequest{
		From:        msg.From,
		To:          msg.To,
		Body:        msg.Body,
		Attachments: msg.Attachments,
	})
	if err != nil {
		return SendResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v3/mail/send", bytes.NewReader(reqBody))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return SendResult{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if err := classifyHTTPStatus(resp, body); err != nil {
		return SendResult{}, err
	}

	messageID := resp.Header.Get("X-Message-Id")
	if messageID == "" {
		var ar struct {
			MessageID string `json:"message_id"`
		}
		_ = json.Unmarshal(body, &ar)
		messageID = ar.MessageID
	}
	if messageID == "" {
		return SendResult{}, fmt.Errorf("missing message id in sendgrid response body=%q", string(body))
	}

	return SendResult{
		ProviderMessageID: messageID,
		Status:            "sent",
		Cost:              emailCost,
		Timestamp:         time.Now().UTC(),
	}, nil
}

func (p *SendGrid) Status(ctx context.Context, providerMessageID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v3/messages/"+providerMessageID, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if err := classifyHTTPStatus(resp, body); err != nil {
		return "", err
	}

	var sr struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("decode sendgrid status: %w", err)
	}
	return sr.Status, nil
}

func (p *SendGrid) ValidateWebhook(headers map[string]string, body []byte) bool {
	return validSignature(p.webhookSecret, body, headers[sendgridSignatureHeader])
}

func (p *SendGrid) NormalizeWebhook(body map[string]any) (Webhook, error) {
	return Webhook{
		Provider:          model.ProviderSendGrid,
		ProviderMessageID: stringField(body, "xillio_id"),
		From:              stringField(body, "from"),
		To:                stringField(body, "to"),
		ChannelType:       model.ChannelEmail,
		Body:              stringField(body, "body"),
		Attachments:       stringsField(body, "attachments"),
		Direction:         model.Direction(direction(body)),
		Status:            stringField(body, "status"),
		Timestamp:         timeField(body, "timestamp"),
	}, nil
}

func (p *SendGrid) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v3/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
