package handlers

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/weddingdesk/internal/messaging"
	"github.com/charlesng35/weddingdesk/internal/services"
	"github.com/charlesng35/weddingdesk/pkg/errors"
	"github.com/charlesng35/weddingdesk/pkg/logger"
	"github.com/charlesng35/weddingdesk/pkg/response"
)

// CallbackSubmitter accepts delivery transitions derived from provider callbacks.
type CallbackSubmitter interface {
	Submit(ctx context.Context, cmd services.TransitionCommand) error
}

// WebhookConfig controls callback authentication.
type WebhookConfig struct {
	// Verify enables X-Twilio-Signature validation with AuthToken.
	Verify    bool
	AuthToken string
	// PublicURL is the callback URL as the provider sees it. When empty the
	// URL is rebuilt from the request.
	PublicURL string
}

// WebhookHandler receives provider status callbacks and hands them to the
// delivery tracker. It never mutates deliveries itself.
type WebhookHandler struct {
	tracker CallbackSubmitter
	cfg     WebhookConfig
	log     *zap.Logger
}

func NewWebhookHandler(tracker CallbackSubmitter, cfg WebhookConfig) (*WebhookHandler, error) {
	if tracker == nil {
		return nil, fmt.Errorf("webhook handler: tracker is required")
	}
	if cfg.Verify && strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, fmt.Errorf("webhook handler: auth token is required when verification is enabled")
	}
	return &WebhookHandler{tracker: tracker, cfg: cfg, log: logger.WithModule("webhooks")}, nil
}

// POST /webhooks/messaging/status
func (h *WebhookHandler) MessageStatus(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		response.Error(c, errors.NewBadRequest("invalid form payload"))
		return
	}
	form := c.Request.PostForm

	if h.cfg.Verify {
		signature := c.GetHeader(messaging.SignatureHeader)
		if !messaging.ValidateSignature(h.cfg.AuthToken, h.callbackURL(c), form, signature) {
			h.log.Warn("rejected callback with invalid signature", zap.String("client_ip", c.ClientIP()))
			response.Error(c, errors.ErrInvalidSignature)
			return
		}
	}

	cb, err := messaging.ParseStatusCallback(form)
	if err != nil {
		response.Error(c, errors.NewBadRequest(err.Error()))
		return
	}

	cmd, ok := services.CommandFromCallback(cb)
	if !ok {
		h.log.Debug("intermediate status ignored",
			zap.String("provider_message_id", cb.MessageSID),
			zap.String("status", cb.MessageStatus),
		)
		c.Status(http.StatusNoContent)
		return
	}

	if err := h.tracker.Submit(requestContext(c), cmd); err != nil {
		if stdErrors.Is(err, services.ErrTrackerStopped) {
			response.Error(c, errors.New("UNAVAILABLE", "Callback processing is unavailable", http.StatusServiceUnavailable))
			return
		}
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *WebhookHandler) callbackURL(c *gin.Context) string {
	if url := strings.TrimSpace(h.cfg.PublicURL); url != "" {
		return url
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if forwarded := c.GetHeader("X-Forwarded-Proto"); forwarded != "" {
		scheme = strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	return scheme + "://" + c.Request.Host + c.Request.URL.RequestURI()
}
