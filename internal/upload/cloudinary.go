package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"talkready/internal/capture"
)

// Cloudinary uploads through an unsigned upload preset.
type Cloudinary struct {
	baseURL    string
	cloudName  string
	preset     string
	httpClient *http.Client
}

func NewCloudinary(baseURL, cloudName, preset string, client *http.Client) *Cloudinary {
	if client == nil {
		client = &http.Client{}
	}
	if baseURL == "" {
		baseURL = "https://api.cloudinary.com"
	}
	return &Cloudinary{
		baseURL:    strings.TrimRight(baseURL, "/"),
		cloudName:  cloudName,
		preset:     preset,
		httpClient: client,
	}
}

type cloudinaryResponse struct {
	SecureURL string `json:"secure_url"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Cloudinary) Upload(ctx context.Context, blob capture.Blob) (string, error) {
	if len(blob.Data) == 0 {
		return "", ErrEmptyBlob
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "recording."+extensionFor(blob.MIMEType))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(blob.Data); err != nil {
		return "", fmt.Errorf("write audio data: %w", err)
	}
	if err := mw.WriteField("upload_preset", c.preset); err != nil {
		return "", fmt.Errorf("write preset field: %w", err)
	}
	if err := mw.WriteField("resource_type", "auto"); err != nil {
		return "", fmt.Errorf("write resource type field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	reqURL := fmt.Sprintf("%s/v1_1/%s/upload", c.baseURL, c.cloudName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrUploadFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: cloudinary error %d: %s", ErrUploadFailed, resp.StatusCode, string(body))
	}

	var out cloudinaryResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if out.SecureURL == "" {
		return "", fmt.Errorf("%w: missing secure_url", ErrInvalidResponse)
	}
	return out.SecureURL, nil
}
