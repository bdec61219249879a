package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	appErrors "github.com/unclebandit/retention-engine/internal/errors"
	"github.com/unclebandit/retention-engine/internal/model"
)

// SMSSender posts messages to an HTTP SMS provider.
type SMSSender struct {
	URL    string
	Token  string
	Client *http.Client
}

type smsRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func NewSMSSender(url, token string) *SMSSender {
	return &SMSSender{URL: url, Token: token, Client: http.DefaultClient}
}

func (s *SMSSender) Send(ctx context.Context, address string, msg model.Message) error {
	if strings.TrimSpace(address) == "" {
		return appErrors.Permanent(fmt.Errorf("empty phone number"))
	}

	body, err := json.Marshal(smsRequest{To: address, Body: msg.Body})
	if err != nil {
		return appErrors.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return appErrors.Permanent(fmt.Errorf("build sms request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return appErrors.Transient(fmt.Errorf("sms provider: %w", err))
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return appErrors.Transient(fmt.Errorf("sms provider returned %d: %s", resp.StatusCode, detail))
	default:
		return appErrors.Permanent(fmt.Errorf("sms provider returned %d: %s", resp.StatusCode, detail))
	}
}
