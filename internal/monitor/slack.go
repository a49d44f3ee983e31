package monitor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// SlackConfig configures the Slack alert notifier.
type SlackConfig struct {
	WebhookURL  string        `yaml:"webhook_url"`
	Channel     string        `yaml:"channel"`
	Username    string        `yaml:"username"`
	IconEmoji   string        `yaml:"icon_emoji"`
	MinSeverity AlertSeverity `yaml:"min_severity"` // alerts below this are not posted
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultSlackConfig reads the webhook from the environment.
func DefaultSlackConfig() SlackConfig {
	return SlackConfig{
		WebhookURL:  os.Getenv("SLACK_WEBHOOK_URL"),
		Channel:     os.Getenv("SLACK_CHANNEL"),
		Username:    "CliniGate",
		IconEmoji:   ":hospital:",
		MinSeverity: AlertWarning,
		Timeout:     5 * time.Second,
	}
}

// SlackNotifier posts alerts to a Slack incoming webhook.
type SlackNotifier struct {
	config SlackConfig
	client *http.Client
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Fields    []slackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a notifier. It returns nil when no webhook is configured.
func NewSlackNotifier(cfg SlackConfig) *SlackNotifier {
	if cfg.WebhookURL == "" {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = AlertWarning
	}
	return &SlackNotifier{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func severityRank(s AlertSeverity) int {
	switch s {
	case AlertCritical:
		return 2
	case AlertWarning:
		return 1
	default:
		return 0
	}
}

// Notify implements Notifier.
func (s *SlackNotifier) Notify(ctx context.Context, alert Alert) error {
	if severityRank(alert.Severity) < severityRank(s.config.MinSeverity) {
		return nil
	}
	return s.send(ctx, s.format(alert))
}

func (s *SlackNotifier) format(alert Alert) slackMessage {
	color := "warning"
	emoji := ":warning:"
	switch alert.Severity {
	case AlertCritical:
		color, emoji = "danger", ":rotating_light:"
	case AlertInfo:
		color, emoji = "good", ":information_source:"
	}

	// Casers are stateful; one per message.
	title := cases.Title(language.English)

	keys := make([]string, 0, len(alert.Context))
	for k := range alert.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]slackField, 0, len(keys)+1)
	fields = append(fields, slackField{Title: "Severity", Value: string(alert.Severity), Short: true})
	for _, k := range keys {
		fields = append(fields, slackField{
			Title: title.String(strings.ReplaceAll(k, "_", " ")),
			Value: fmt.Sprint(alert.Context[k]),
			Short: true,
		})
	}

	return slackMessage{
		Channel:   s.config.Channel,
		Username:  s.config.Username,
		IconEmoji: s.config.IconEmoji,
		Text:      emoji + " " + title.String(strings.ReplaceAll(alert.Type, "_", " ")),
		Attachments: []slackAttachment{{
			Color:     color,
			Title:     "Alert " + alert.ID,
			Fields:    fields,
			Footer:    "clinigate",
			Timestamp: alert.Timestamp.Unix(),
		}},
	}
}

func (s *SlackNotifier) send(ctx context.Context, msg slackMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: send message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
