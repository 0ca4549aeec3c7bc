package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrImageRequired is returned when no capture was supplied.
var ErrImageRequired = errors.New("face image url required")

// FaceQuality contains face quality metrics.
type FaceQuality struct {
	Score     float64 `json:"score"`
	Blur      float64 `json:"blur"`
	IsFrontal bool    `json:"is_frontal"`
}

// VerifyResult contains a 1:1 verification result.
type VerifyResult struct {
	StudentID  string
	Verified   bool
	Similarity float64
	Threshold  float64
	Quality    *FaceQuality
	// Simulated is set when the result came from skip mode rather than the
	// face service. It must never admit a student.
	Simulated bool
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. With skip set no network call is made and every
// result is marked Simulated, which is how local development runs.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Verify checks the captured image against the face enrolled for studentID.
func (c *Client) Verify(ctx context.Context, studentID, imageURL string) (*VerifyResult, error) {
	if imageURL == "" {
		return nil, ErrImageRequired
	}
	if c.Skip {
		return &VerifyResult{
			StudentID:  studentID,
			Verified:   true,
			Similarity: 0.92,
			Threshold:  0.45,
			Quality:    &FaceQuality{Score: 0.85, IsFrontal: true},
			Simulated:  true,
		}, nil
	}

	body, _ := json.Marshal(map[string]string{
		"user_id":   studentID,
		"image_url": imageURL,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		UserID     string       `json:"user_id"`
		Verified   bool         `json:"verified"`
		Similarity float64      `json:"similarity"`
		Threshold  float64      `json:"threshold"`
		Quality    *FaceQuality `json:"quality"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &VerifyResult{
		StudentID:  out.UserID,
		Verified:   out.Verified,
		Similarity: out.Similarity,
		Threshold:  out.Threshold,
		Quality:    out.Quality,
	}, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}
