package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hatchpoint/messaging/internal/model"
)

const twilioSignatureHeader = "X-Twilio-Signature"

// Twilio handles SMS and MMS.
type Twilio struct {
	baseURL       string
	authToken     string
	webhookSecret string
	client        *http.Client
}

func NewTwilio(baseURL, authToken, webhookSecret string, timeout time.Duration) *Twilio {
	return &Twilio{
		baseURL:       baseURL,
		authToken:     authToken,
		webhookSecret: webhookSecret,
		client:        &http.Client{Timeout: timeout},
	}
}

func (p *Twilio) Name() model.Provider { return model.ProviderTwilio }

type twilioSendRequest struct {
	From        string   `json:"from"`
	To          string   `json:"to"`
	Body        string   `json:"body,omitempty"`
	MediaURLs   []string `json:"media_urls,omitempty"`
	ChannelType string   `json:"channel_type"`
}

type twilioSendResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	Price  string `json:"price"`
}

func (p *Twilio) Send(ctx context.Context, msg OutboundMessage) (SendResult, error) {
	reqBody, err := json.Marshal(twilioSendRequest{
		From:        msg.From,
		To:          msg.To,
		Body:        msg.Body,
		MediaURLs:   msg.Attachments,
		ChannelType: string(msg.ChannelType),
	})
	if err != nil {
		return SendResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(reqBody))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.authToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return SendResult{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if err := classifyHTTPStatus(resp, body); err != nil {
		return SendResult{}, err
	}

	var tr twilioSendResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return SendResult{}, fmt.Errorf("decode twilio response: %w body=%q", err, string(body))
	}
	if tr.SID == "" {
		return SendResult{}, fmt.Errorf("missing sid in twilio response body=%q", string(body))
	}

	cost, err := decimal.NewFromString(tr.Price)
	if err != nil {
		cost = decimal.Zero
	}

	return SendResult{
		ProviderMessageID: tr.SID,
		Status:            tr.Status,
		Cost:              cost,
		Timestamp:         time.Now().UTC(),
	}, nil
}

func (p *Twilio) Status(ctx context.Context, providerMessageID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/messages/"+providerMessageID, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.authToken)

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
		return "", fmt.Errorf("decode twilio status: %w", err)
	}
	return sr.Status, nil
}

func (p *Twilio) ValidateWebhook(headers map[string]string, body []byte) bool {
	return validSignature(p.webhookSecret, body, headers[twilioSignatureHeader])
}

func (p *Twilio) NormalizeWebhook(body map[string]any) (Webhook, error) {
	channel := model.ChannelType(stringField(body, "type"))
	if !channel.Valid() {
		channel = model.ChannelSMS
	}
	return Webhook{
		Provider:          model.ProviderTwilio,
		ProviderMessageID: stringField(body, "messaging_provider_id"),
		From:              stringField(body, "from"),
		To:                stringField(body, "to"),
		ChannelType:       channel,
		Body:              stringField(body, "body"),
		Attachments:       stringsField(body, "attachments"),
		Direction:         model.Direction(direction(body)),
		Status:            stringField(body, "status"),
		Timestamp:         timeField(body, "timestamp"),
	}, nil
}

func (p *Twilio) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/health", nil)
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

// classifyHTTPStatus maps provider HTTP failures onto the retry taxonomy:
// 429 carries the Retry-After hint, 5xx is a server error, anything else
// non-2xx stays an unclassified error.
func classifyHTTPStatus(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitError{RetryAfter: retryAfter}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &ServerError{StatusCode: resp.StatusCode}
	case resp.StatusCode >= http.StatusMultipleChoices:
		return fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}
	return nil
}
