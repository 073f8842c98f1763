// Package codec wraps the on-device embedding sidecar that turns an aligned
// face crop into a fixed-dimension vector. The sidecar call is synchronous
// and CPU-bound on the device; callers run it on the compute lane.
package codec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const defaultBaseURL = "http://localhost:8000"

var (
	// ErrLowQuality means detector confidence fell below the configured
	// floor. Callers skip the image; never fatal to a session.
	ErrLowQuality = errors.New("face quality below floor")

	// ErrInference covers model runtime failures: transport errors,
	// non-200 responses, empty vectors.
	ErrInference = errors.New("embedding inference failed")
)

// Embedding is one computed face vector with its metadata.
type Embedding struct {
	Vector  []float32
	Quality float64 // detector confidence score
	Model   string
	Dim     int
}

// Client computes face embeddings using the codec sidecar.
type Client struct {
	baseURL      string
	model        string
	qualityFloor float64
	client       *http.Client
}

// NewClient creates a codec client.
func NewClient(baseURL, model string, qualityFloor float64, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		model:        model,
		qualityFloor: qualityFloor,
		client:       &http.Client{Timeout: timeout},
	}
}

// Model returns the model name being used.
func (c *Client) Model() string {
	return c.model
}

// faceResponse is the sidecar's response for a single aligned crop.
type faceResponse struct {
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	DetScore  float64   `json:"det_score"`
	Model     string    `json:"model"`
}

// Embed computes the embedding for one aligned face crop. The crop is
// pre-scaled client-side to bound the payload.
func (c *Client) Embed(ctx context.Context, crop []byte) (*Embedding, error) {
	scaled, err := ScaleCrop(crop, maxCropEdge)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	body, err := c.postMultipartImage(ctx, "/embed/face", scaled)
	if err != nil {
		return nil, err
	}

	var resp faceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", ErrInference, err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding returned", ErrInference)
	}
	if resp.DetScore < c.qualityFloor {
		return nil, fmt.Errorf("%w: det_score %.3f below floor %.3f", ErrLowQuality, resp.DetScore, c.qualityFloor)
	}

	return &Embedding{
		Vector:  resp.Embedding,
		Quality: resp.DetScore,
		Model:   resp.Model,
		Dim:     resp.Dim,
	}, nil
}

// postMultipartImage constructs a multipart form with the image data and
// posts it to the given endpoint. The part carries an explicit Content-Type
// based on magic byte detection.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="crop.jpg"`)
	h.Set("Content-Type", detectMIMEType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("%w: create form file: %v", ErrInference, err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("%w: write image data: %v", ErrInference, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("%w: close multipart writer: %v", ErrInference, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint+"?model="+c.model, &buf)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrInference, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrInference, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: sidecar status %d: %s", ErrInference, resp.StatusCode, string(body))
	}
	return body, nil
}

// detectMIMEType detects the MIME type from image data
func detectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "image/jpeg"
	}
	// PNG: 89 50 4E 47 0D 0A 1A 0A
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	// WebP: 52 49 46 46 ... 57 45 42 50
	if len(data) >= 12 && data[0] == 0x52 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x46 &&
		data[8] == 0x57 && data[9] == 0x45 && data[10] == 0x42 && data[11] == 0x50 {
		return "image/webp"
	}
	return "application/octet-stream"
}
