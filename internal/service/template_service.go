// internal/service/template_service.go
package service

import (
	"strings"

	"github.com/unclebandit/retention-engine/internal/model"
)

// MessageTemplate is the subject/body pair used for one channel. Subject is
// ignored by channels that have none.
type MessageTemplate struct {
	Subject string
	Body    string
}

// Templates holds the message template per channel.
type Templates map[model.Channel]MessageTemplate

// RenderTemplate replaces every {key} in template with data[key].
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// Compose renders the channel template for customer.
func (t Templates) Compose(ch model.Channel, customer *model.Customer) model.Message {
	tmpl := t[ch]
	data := map[string]string{
		"first_name": fallback(customer.FirstName, "there"),
		"last_name":  customer.LastName,
	}
	return model.Message{
		Subject: strings.TrimSpace(RenderTemplate(tmpl.Subject, data)),
		Body:    strings.TrimSpace(RenderTemplate(tmpl.Body, data)),
	}
}

func fallback(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return value
}
