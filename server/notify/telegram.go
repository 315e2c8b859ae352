// Package notify sends risk alerts to field crews.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/athena-uvm/hotspot-inspector/server/models"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts one message per risky image to a chat. Repeated
// alerts for the same image within the cooldown are suppressed.
type TelegramNotifier struct {
	bot      sender
	chatID   int64
	cooldown time.Duration
	logger   *zap.Logger

	mutex sync.Mutex
	sent  map[string]time.Time
	now   func() time.Time
}

func NewTelegramNotifier(token string, chatID int64, cooldown time.Duration, logger *zap.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Telegram notifier ready", zap.String("bot", bot.Self.UserName), zap.Int64("chat_id", chatID))
	return newTelegramNotifier(bot, chatID, cooldown, logger), nil
}

func newTelegramNotifier(bot sender, chatID int64, cooldown time.Duration, logger *zap.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		bot:      bot,
		chatID:   chatID,
		cooldown: cooldown,
		logger:   logger,
		sent:     make(map[string]time.Time),
		now:      time.Now,
	}
}

func (n *TelegramNotifier) NotifyRisk(ctx context.Context, hotspot *models.HotspotFeature, acquisition *models.ImageAcquisition, result *models.AnalysisResult) error {
	if result == nil || !result.RiskDetected {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := result.ImageID
	if hotspot != nil {
		key = hotspot.ID + "/" + key
	}
	if !n.claim(key) {
		n.logger.Debug("Risk alert suppressed", zap.String("key", key))
		return nil
	}

	msg := tgbotapi.NewMessage(n.chatID, FormatAlert(hotspot, acquisition, result))
	msg.DisableWebPagePreview = true
	if _, err := n.bot.Send(msg); err != nil {
		n.release(key)
		return fmt.Errorf("failed to send risk alert: %w", err)
	}

	n.logger.Info("Risk alert sent", zap.String("key", key))
	return nil
}

func (n *TelegramNotifier) claim(key string) bool {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	now := n.now()
	for k, at := range n.sent {
		if now.Sub(at) >= n.cooldown {
			delete(n.sent, k)
		}
	}
	if _, ok := n.sent[key]; ok {
		return false
	}
	n.sent[key] = now
	return true
}

func (n *TelegramNotifier) release(key string) {
	n.mutex.Lock()
	delete(n.sent, key)
	n.mutex.Unlock()
}

// FormatAlert renders the plain-text alert body.
func FormatAlert(hotspot *models.HotspotFeature, acquisition *models.ImageAcquisition, result *models.AnalysisResult) string {
	var b strings.Builder
	b.WriteString("⚠️ Risk detected\n")

	if hotspot != nil {
		fmt.Fprintf(&b, "Hotspot: %s (%s, score %d, vegetation %.0f%%)\n",
			hotspot.ID, hotspot.RiskLevel, hotspot.RiskScore, hotspot.VegetationDensity)
		if len(hotspot.Boundary) > 0 {
			fmt.Fprintf(&b, "Location: %.5f, %.5f\n", hotspot.Boundary[0].Lat, hotspot.Boundary[0].Lng)
		}
	} else {
		b.WriteString("Hotspot: none selected\n")
	}

	if acquisition != nil {
		fmt.Fprintf(&b, "Image: %s\n", acquisition.ImageID)
		if acquisition.SourceURL != "" {
			fmt.Fprintf(&b, "URL: %s\n", acquisition.SourceURL)
		}
	}

	if result.Details != "" {
		fmt.Fprintf(&b, "Details: %s\n", result.Details)
	}
	if len(result.Detections) > 0 {
		labels := make([]string, 0, len(result.Detections))
		for _, d := range result.Detections {
			labels = append(labels, d.Label)
		}
		fmt.Fprintf(&b, "Detections: %s\n", strings.Join(labels, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}
