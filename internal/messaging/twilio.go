package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultTwilioBaseURL = "https://api.twilio.com"
	defaultTwilioTimeout = 10 * time.Second
	whatsappPrefix       = "whatsapp:"
)

// TwilioConfig holds credentials for the Twilio Messages API.
type TwilioConfig struct {
	AccountSID          string
	AuthToken           string
	From                string
	MessagingServiceSID string
	BaseURL             string
	Timeout             time.Duration
}

// TwilioProvider sends WhatsApp content templates through Twilio.
type TwilioProvider struct {
	cfg    TwilioConfig
	client *resty.Client
}

type twilioMessage struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type twilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// NewTwilioProvider validates the configuration and builds the HTTP client.
func NewTwilioProvider(cfg TwilioConfig) (*TwilioProvider, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("twilio: account sid and auth token are required")
	}
	if cfg.From == "" && cfg.MessagingServiceSID == "" {
		return nil, errors.New("twilio: from or messaging service sid is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTwilioBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTwilioTimeout
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetBasicAuth(cfg.AccountSID, cfg.AuthToken).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &TwilioProvider{cfg: cfg, client: client}, nil
}

// Name identifies the provider in logs and metrics.
func (p *TwilioProvider) Name() string { return "twilio" }

// Send submits one template message. Retries are left to the caller.
func (p *TwilioProvider) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if strings.TrimSpace(req.To) == "" {
		return SendResult{}, &ProviderError{Message: "recipient is required"}
	}
	if strings.TrimSpace(req.TemplateID) == "" {
		return SendResult{}, &ProviderError{Message: "template is required"}
	}

	form := map[string]string{
		"To":         withWhatsAppPrefix(req.To),
		"ContentSid": req.TemplateID,
	}
	if p.cfg.MessagingServiceSID != "" {
		form["MessagingServiceSid"] = p.cfg.MessagingServiceSID
	} else {
		form["From"] = withWhatsAppPrefix(p.cfg.From)
	}
	if len(req.Variables) > 0 {
		encoded, err := json.Marshal(req.Variables)
		if err != nil {
			return SendResult{}, &ProviderError{Message: "encode content variables", Err: err}
		}
		form["ContentVariables"] = string(encoded)
	}
	if req.StatusCallback != "" {
		form["StatusCallback"] = req.StatusCallback
	}

	request := p.client.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&twilioMessage{}).
		SetError(&twilioError{})

	resp, err := request.Post(fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", p.cfg.AccountSID))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return SendResult{}, ctxErr
		}
		return SendResult{}, &ProviderError{Transient: true, Err: err}
	}

	if resp.IsError() {
		perr := &ProviderError{
			Transient:  ClassifyHTTPStatus(resp.StatusCode()),
			StatusCode: resp.StatusCode(),
			Message:    resp.Status(),
		}
		if apiErr, ok := resp.Error().(*twilioError); ok && apiErr != nil {
			perr.Code = apiErr.Code
			if apiErr.Message != "" {
				perr.Message = apiErr.Message
			}
		}
		return SendResult{}, perr
	}

	msg, ok := resp.Result().(*twilioMessage)
	if !ok || msg == nil || msg.SID == "" {
		return SendResult{}, &ProviderError{Transient: true, StatusCode: resp.StatusCode(), Message: "response carried no message sid"}
	}
	if msg.Status == "failed" || msg.Status == "undelivered" {
		perr := &ProviderError{StatusCode: resp.StatusCode(), Message: msg.ErrorMessage}
		if msg.ErrorCode != nil {
			perr.Code = *msg.ErrorCode
		}
		return SendResult{}, perr
	}

	return SendResult{MessageID: msg.SID, Status: msg.Status}, nil
}

func withWhatsAppPrefix(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, whatsappPrefix) {
		return number
	}
	return whatsappPrefix + number
}
