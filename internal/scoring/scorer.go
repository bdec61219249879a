// Package scoring provides churn-risk scorers.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"

	"github.com/unclebandit/retention-engine/internal/repository"
)

// Scorer returns a churn-risk score in [0,1] for a customer.
type Scorer interface {
	Score(ctx context.Context, customerID string) (float64, error)
}

// StoredScorer returns the score the upstream sync wrote on the customer.
type StoredScorer struct {
	Customers repository.CustomerRepositoryInterface
}

func (s *StoredScorer) Score(ctx context.Context, customerID string) (float64, error) {
	c, err := s.Customers.GetByID(ctx, customerID)
	if err != nil {
		return 0, err
	}
	if c.ChurnRiskScore == nil {
		return 0, fmt.Errorf("customer %s has no stored churn score", customerID)
	}
	return checkRange(*c.ChurnRiskScore)
}

// HTTPScorer asks an external model service for the score.
type HTTPScorer struct {
	URL    string
	Client *http.Client
}

type scoreRequest struct {
	CustomerID string `json:"customer_id"`
}

type scoreResponse struct {
	Score *float64 `json:"score"`
}

func NewHTTPScorer(url string) *HTTPScorer {
	return &HTTPScorer{URL: url, Client: http.DefaultClient}
}

func (s *HTTPScorer) Score(ctx context.Context, customerID string) (float64, error) {
	body, err := json.Marshal(scoreRequest{CustomerID: customerID})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("score customer %s: %w", customerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("score customer %s: scorer returned %d", customerID, resp.StatusCode)
	}
	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode score for %s: %w", customerID, err)
	}
	if out.Score == nil {
		return 0, fmt.Errorf("score customer %s: response has no score", customerID)
	}
	return checkRange(*out.Score)
}

func checkRange(score float64) (float64, error) {
	if math.IsNaN(score) || score < 0 || score > 1 {
		return 0, fmt.Errorf("score %v outside [0,1]", score)
	}
	return score, nil
}

// Func adapts a function to Scorer.
type Func func(ctx context.Context, customerID string) (float64, error)

func (f Func) Score(ctx context.Context, customerID string) (float64, error) {
	return f(ctx, customerID)
}
