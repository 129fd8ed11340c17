// Package hdirclient is a Go client for the hdir image/text embedding API.
package hdirclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// DefaultBaseURL is where the media server expects the sidecar.
const DefaultBaseURL = "http://localhost:5000"

// ImageIDHeader carries the content id of the encoded image.
const ImageIDHeader = "X-Image-ID"

// ClientOptions configures the hdir API client
type ClientOptions struct {
	// BaseURL is the server root (default: DefaultBaseURL)
	BaseURL string
	// APIKey is sent as a bearer token when non-empty
	APIKey string
	// RetryMax is the maximum number of retries (default: 3; negative disables retries)
	RetryMax int
	// RetryWaitMin and RetryWaitMax bound the backoff (defaults: 500ms and 5s)
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// Timeout is the per-attempt HTTP timeout (default: 60 seconds)
	Timeout time.Duration
}

// Client is the hdir API client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *retryablehttp.Client
}

// NewClient creates a client for baseURL with default settings
func NewClient(baseURL, apiKey string) *Client {
	return NewClientWithOptions(ClientOptions{BaseURL: baseURL, APIKey: apiKey})
}

// NewClientWithOptions creates a client with custom options
func NewClientWithOptions(opts ClientOptions) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}

	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")

	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}

	switch {
	case opts.RetryMax == 0:
		opts.RetryMax = 3
	case opts.RetryMax < 0:
		opts.RetryMax = 0
	}

	if opts.RetryWaitMin == 0 {
		opts.RetryWaitMin = 500 * time.Millisecond
	}

	if opts.RetryWaitMax == 0 {
		opts.RetryWaitMax = 5 * time.Second
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.RetryMax
	retryClient.RetryWaitMin = opts.RetryWaitMin
	retryClient.RetryWaitMax = opts.RetryWaitMax
	retryClient.HTTPClient.Timeout = opts.Timeout
	retryClient.Logger = nil // Disable logging by default
	// Return the last response so its problem body becomes an APIError.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		httpClient: retryClient,
	}
}

// EncodeImagePath encodes an image the server reads from its image root (GET /encode?img-path=).
// The result is the bare vector the media server stores.
func (c *Client) EncodeImagePath(ctx context.Context, path string) ([]float32, error) {
	var vec []float32

	if _, err := c.do(ctx, http.MethodGet, "/encode?"+url.Values{"img-path": {path}}.Encode(), nil, "", &vec); err != nil {
		return nil, err
	}

	return vec, nil
}

// EncodeImageFile uploads an image and encodes it (POST /encode).
func (c *Client) EncodeImageFile(ctx context.Context, filename string, data io.Reader) (*EncodedImage, error) {
	return c.EncodeImage(ctx, Image{Data: data, Filename: filename})
}

// EncodeImage encodes any image reference (POST /encode).
func (c *Client) EncodeImage(ctx context.Context, img Image) (*EncodedImage, error) {
	body, contentType, err := imageBody(img, nil)
	if err != nil {
		return nil, err
	}

	var vec []float32

	header, err := c.do(ctx, http.MethodPost, "/encode", body, contentType, &vec)
	if err != nil {
		return nil, err
	}

	return &EncodedImage{ID: header.Get(ImageIDHeader), Vector: vec}, nil
}

// EncodeText encodes text into the image embedding space (POST /encode-text).
func (c *Client) EncodeText(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var res struct {
		TextFeatures []float32 `json:"text_features"`
	}

	if _, err := c.do(ctx, http.MethodPost, "/encode-text", body, "application/json", &res); err != nil {
		return nil, err
	}

	return res.TextFeatures, nil
}

// Match scores text against image vectors the caller already holds (POST /match).
// Scores are returned in the order of features.
func (c *Client) Match(ctx context.Context, text string, features [][]float32) ([]float64, error) {
	body, err := json.Marshal(struct {
		Text          string      `json:"text"`
		ImageFeatures [][]float32 `json:"image_features"`
	}{Text: text, ImageFeatures: features})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var res struct {
		Similarity []float64 `json:"similarity"`
	}

	if _, err := c.do(ctx, http.MethodPost, "/match", body, "application/json", &res); err != nil {
		return nil, err
	}

	return res.Similarity, nil
}

// Similarity scores text against one image (POST /similarity).
func (c *Client) Similarity(ctx context.Context, req SimilarityRequest) (*SimilarityResult, error) {
	fields := map[string]string{"text": req.Text}
	if req.ImageID != "" {
		fields["image_id"] = req.ImageID
	}

	body, contentType, err := imageBody(req.Image, fields)
	if err != nil {
		return nil, err
	}

	var res SimilarityResult

	if _, err := c.do(ctx, http.MethodPost, "/similarity", body, contentType, &res); err != nil {
		return nil, err
	}

	return &res, nil
}

// Classify returns the top k labels for an image (POST /classify). k <= 0 uses the server default.
func (c *Client) Classify(ctx context.Context, img Image, k int) (*ClassifyResult, error) {
	var fields map[string]string
	if k > 0 {
		fields = map[string]string{"top_k": strconv.Itoa(k)}
	}

	body, contentType, err := imageBody(img, fields)
	if err != nil {
		return nil, err
	}

	var res ClassifyResult

	if _, err := c.do(ctx, http.MethodPost, "/classify", body, contentType, &res); err != nil {
		return nil, err
	}

	return &res, nil
}

// Search returns indexed images matching text (POST /v1/images/search).
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var res SearchResponse

	if _, err := c.do(ctx, http.MethodPost, "/v1/images/search", body, "application/json", &res); err != nil {
		return nil, err
	}

	return &res, nil
}

// Index adds an image to the server's index (POST /v1/images), inline or as a background job.
func (c *Client) Index(ctx context.Context, req IndexRequest) (*IndexResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var res IndexResult

	if _, err := c.do(ctx, http.MethodPost, "/v1/images", body, "application/json", &res); err != nil {
		return nil, err
	}

	return &res, nil
}

// GetImage returns an indexed image, with its vector when includeEmbedding is set.
func (c *Client) GetImage(ctx context.Context, imageID string, includeEmbedding bool) (*IndexedImage, error) {
	path := "/v1/images/" + url.PathEscape(imageID)
	if includeEmbedding {
		path += "?include_embedding=true"
	}

	var res IndexedImage

	if _, err := c.do(ctx, http.MethodGet, path, nil, "", &res); err != nil {
		return nil, err
	}

	return &res, nil
}

// DeleteImage removes an image from the index.
func (c *Client) DeleteImage(ctx context.Context, imageID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/images/"+url.PathEscape(imageID), nil, "", nil)

	return err
}

// imageBody encodes img plus extra form fields. Uploads use multipart; references use JSON.
func imageBody(img Image, fields map[string]string) ([]byte, string, error) {
	if img.Data == nil {
		payload := make(map[string]any, len(fields)+2)
		for k, v := range fields {
			payload[k] = v
		}

		if k, ok := fields["top_k"]; ok {
			n, err := strconv.Atoi(k)
			if err != nil {
				return nil, "", fmt.Errorf("invalid top_k %q: %w", k, err)
			}

			payload["top_k"] = n
		}

		if img.Path != "" {
			payload["img-path"] = img.Path
		}

		if img.URL != "" {
			payload["image_url"] = img.URL
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal request: %w", err)
		}

		return body, "application/json", nil
	}

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("failed to write form field %s: %w", k, err)
		}
	}

	filename := img.Filename
	if filename == "" {
		filename = "image"
	}

	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := io.Copy(part, img.Data); err != nil {
		return nil, "", fmt.Errorf("failed to read image: %w", err)
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}

	return buf.Bytes(), mw.FormDataContentType(), nil
}

// do sends one request and decodes a 2xx JSON body into out (which may be nil).
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string, out any) (http.Header, error) {
	var raw any
	if body != nil {
		raw = body
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Error("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseAPIError(resp.StatusCode, respBody)
	}

	if out == nil || len(respBody) == 0 {
		return resp.Header, nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return resp.Header, nil
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Title == "" {
		apiErr.Title = http.StatusText(status)
		apiErr.Detail = strings.TrimSpace(string(body))
	}

	apiErr.StatusCode = status

	return apiErr
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError

	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
