package realtime

import (
	"strings"

	"github.com/charlesng35/weddingdesk/internal/services"
)

const (
	campaignStreamPrefix = "campaign."

	// EventCampaignProgress carries a services.CampaignProgress payload.
	EventCampaignProgress = "campaign.progress"
)

// CampaignStream names the stream that carries progress for one campaign.
func CampaignStream(campaignID string) string {
	return campaignStreamPrefix + strings.ToLower(strings.TrimSpace(campaignID))
}

// ProgressMessage wraps a progress snapshot for delivery to subscribers.
func ProgressMessage(progress services.CampaignProgress) Message {
	return Message{
		Stream: CampaignStream(progress.CampaignID),
		Event:  EventCampaignProgress,
		Data:   progress,
	}
}

// PublishProgress implements services.ProgressNotifier.
func (h *Hub) PublishProgress(progress services.CampaignProgress) {
	if h == nil || strings.TrimSpace(progress.CampaignID) == "" {
		return
	}
	message := ProgressMessage(progress)
	h.BroadcastStream(message.Stream, message)
}

var _ services.ProgressNotifier = (*Hub)(nil)
