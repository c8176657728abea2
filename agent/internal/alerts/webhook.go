package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
)

// deliver sends a to every configured webhook and the publisher. Errors are
// logged but do not affect the caller.
func (e *Engine) deliver(a *Alert) {
	for _, wh := range e.webhooks {
		url := wh.URL()
		if url == "" {
			continue
		}

		var err error
		switch wh.Type {
		case "slack":
			err = e.sendSlack(url, a)
		case "teams":
			err = e.sendTeams(url, a)
		case "http":
			err = e.sendHTTP(url, a)
		case "email":
			err = e.sendEmails(url, a)
		default:
			slog.Warn("alerts: unknown webhook type, skipping", "type", wh.Type)
			continue
		}

		if err != nil {
			slog.Error("alerts: webhook delivery failed",
				"type", wh.Type,
				"service", a.ServiceID,
				"err", err,
			)
		} else {
			slog.Debug("alerts: webhook delivered",
				"type", wh.Type,
				"service", a.ServiceID,
				"state", a.State,
			)
		}
	}

	if e.opts.Publisher != nil {
		if err := e.opts.Publisher.Publish(context.Background(), a); err != nil {
			slog.Error("alerts: publish failed", "service", a.ServiceID, "err", err)
		}
	}
}

func summary(a *Alert) string {
	if a.State == StateResolved {
		return fmt.Sprintf("%s (%s) recovered", a.Label, a.ServiceID)
	}
	s := fmt.Sprintf("%s (%s) failed: %s", a.Label, a.ServiceID, a.Message)
	if n := len(a.Impacted) - 1; n > 0 {
		s += fmt.Sprintf(". %d downstream services affected: %s", n, strings.Join(a.Impacted, ", "))
	}
	return s
}

func (e *Engine) sendSlack(url string, a *Alert) error {
	body, _ := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s* %s", stateLabel(a.State), summary(a)),
	})
	return e.post(url, body)
}

func (e *Engine) sendTeams(url string, a *Alert) error {
	payload := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": stateColor(a.State),
		"summary":    a.ServiceID,
		"title":      fmt.Sprintf("depwatch: %s %s", a.Label, a.State),
		"text":       summary(a),
	}
	body, _ := json.Marshal(payload)
	return e.post(url, body)
}

func (e *Engine) sendHTTP(url string, a *Alert) error {
	body, _ := json.Marshal(map[string]interface{}{"alert": a})
	return e.post(url, body)
}

// emailMessage is the request body accepted by the mail gateway: one
// recipient per message.
type emailMessage struct {
	Subject    string         `json:"subject"`
	Recipients []string       `json:"recipients"`
	Content    []emailSection `json:"content"`
}

type emailSection struct {
	Type    string   `json:"type"`
	Level   int      `json:"level,omitempty"`
	Content any      `json:"content"`
	Columns []string `json:"columns,omitempty"`
	Inline  *bool    `json:"inline,omitempty"`
}

// sendEmails notifies each watcher of a firing alert. Resolutions are not
// mailed.
func (e *Engine) sendEmails(url string, a *Alert) error {
	if a.State != StateFiring || len(a.Recipients) == 0 {
		return nil
	}
	emails := make([]string, 0, len(a.Recipients))
	for email := range a.Recipients {
		emails = append(emails, email)
	}
	sort.Strings(emails)

	var failed []string
	for _, email := range emails {
		body, _ := json.Marshal(e.emailFor(email, a))
		if err := e.post(url, body); err != nil {
			slog.Warn("alerts: email delivery failed", "email", email, "err", err)
			failed = append(failed, email)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("email to %s failed", strings.Join(failed, ", "))
	}
	return nil
}

func (e *Engine) emailFor(email string, a *Alert) emailMessage {
	inline := false
	rows := []map[string]string{{"Service ID": a.ServiceID, "Service Name": a.Label}}
	for _, id := range a.Recipients[email] {
		if id != a.ServiceID {
			rows = append(rows, map[string]string{"Service ID": id, "Service Name": id})
		}
	}
	windowEnd := a.FiredAt.Add(e.cooldown)
	return emailMessage{
		Subject:    "Real Time Service Alert | " + a.Label,
		Recipients: []string{email},
		Content: []emailSection{
			{Type: "header", Level: 3, Content: "Real Time Service Alert"},
			{Type: "text", Inline: &inline, Content: fmt.Sprintf(
				"Current window: %s - %s\nFailing service: %s (%s)\nStatus code: %d\nMessage: %s",
				a.FiredAt.Format("2006-01-02 15:04"), windowEnd.Format("2006-01-02 15:04"),
				a.Label, a.ServiceID, a.StatusCode, a.Message)},
			{Type: "text", Inline: &inline, Content: "Affected services: " + strings.Join(a.Recipients[email], ", ")},
			{Type: "table", Columns: []string{"Service ID", "Service Name"}, Content: rows},
		},
	}
}

func (e *Engine) post(url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.opts.Client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func stateLabel(s string) string {
	if s == StateResolved {
		return "[RESOLVED]"
	}
	return "[OUTAGE]"
}

func stateColor(s string) string {
	if s == StateResolved {
		return "2EB67D"
	}
	return "FF4F6A"
}
