package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// extractFields are the draft fields the extractor can populate, in the
// order they surface for review.
var extractFields = []string{"name", "dosage", "schedule", "prescriber", "instructions"}

// ExtractResult is the extractor's structured answer for one image.
// Fields the extractor was not confident about come back null and are
// flagged for manual review.
type ExtractResult struct {
	MedicationName *string `json:"medication_name"`
	Dosage         *string `json:"dosage"`
	Schedule       *string `json:"schedule"`
	Prescriber     *string `json:"prescriber"`
	Instructions   *string `json:"instructions"`
	OCRText        string  `json:"ocr_text"`
}

// reviewFields lists the fields a human should verify
func (r *ExtractResult) reviewFields() []string {
	byName := map[string]*string{
		"name":         r.MedicationName,
		"dosage":       r.Dosage,
		"schedule":     r.Schedule,
		"prescriber":   r.Prescriber,
		"instructions": r.Instructions,
	}
	var fields []string
	for _, f := range extractFields {
		if v := byName[f]; v == nil || *v == "" {
			fields = append(fields, f)
		}
	}
	return fields
}

// Extractor is the HTTP client for the external vision+LLM service. The
// service does the OCR; the registry only interprets its structured
// answer.
type Extractor struct {
	url    string
	client *http.Client
}

// NewExtractor creates a client for the service at url
func NewExtractor(url string) *Extractor {
	return &Extractor{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Analyze posts the image and decodes the structured extraction
func (e *Extractor) Analyze(ctx context.Context, image io.Reader, filename string) (*ExtractResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, image); err != nil {
		return nil, fmt.Errorf("failed to buffer image: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/analyze/prescription", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extractor unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extractor returned %s", resp.Status)
	}

	var result ExtractResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("malformed extractor response: %w", err)
	}
	return &result, nil
}
