package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// ApplyRuntimeDefaults fills values that depend on the running process rather than the config file.
// It returns a map describing which keys were derived so callers can log the event.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	generated := make(map[string]bool)

	if strings.TrimSpace(cfg.Queue.Consumer) == "" {
		cfg.Queue.Consumer = consumerName(os.Hostname)
		generated["queue.consumer"] = true
	}

	// Only Twilio signs status callbacks.
	if cfg.Messaging.VerifyWebhooks && !cfg.Messaging.UsesTwilio() {
		cfg.Messaging.VerifyWebhooks = false
		generated["messaging.verify_webhooks"] = true
	}

	return generated, nil
}

func consumerName(hostname func() (string, error)) string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	host, err := hostname()
	host = strings.TrimSpace(host)
	if err != nil || host == "" {
		return "dispatcher-" + suffix
	}
	return host + "-" + suffix
}
