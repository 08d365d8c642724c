package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/civirec/civirec-backend/internal/records/domain"
	"github.com/civirec/civirec-backend/pkg/config"
	"github.com/civirec/civirec-backend/pkg/errors"
)

// Side identifies which face of the identity card an image shows.
type Side string

const (
	SideFront Side = "front"
	SideBack  Side = "back"
)

// Gateway extracts card fields from an uploaded image. The front and back
// recognizers are separate deployments with separate endpoints, so the
// side is chosen by the caller, not inferred by the service.
type Gateway interface {
	Extract(ctx context.Context, side Side, file *domain.ImageFile) (Extraction, error)
}

// HTTPGateway calls the external OCR recognizer over HTTP multipart.
type HTTPGateway struct {
	frontURL   string
	backURL    string
	threshold  int
	httpClient *http.Client
}

// NewHTTPGateway builds a gateway from the OCR section of the service config.
func NewHTTPGateway(cfg config.OCRConfig) *HTTPGateway {
	return &HTTPGateway{
		frontURL:  cfg.FrontURL,
		backURL:   cfg.BackURL,
		threshold: cfg.Threshold,
		httpClient: &http.Client{
			Timeout: cfg.Timeout, // recognizer inference can take several seconds
		},
	}
}

func (g *HTTPGateway) Extract(ctx context.Context, side Side, file *domain.ImageFile) (Extraction, error) {
	endpoint := g.frontURL
	messageKey := "errors.front_ocr_failed"
	if side == SideBack {
		endpoint = g.backURL
		messageKey = "errors.back_ocr_failed"
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", file.Name)
	if err != nil {
		return nil, fmt.Errorf("ocr: create form file: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, fmt.Errorf("ocr: write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("ocr: close multipart writer: %w", err)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("ocr: parse %s endpoint: %w", side, err)
	}
	q := u.Query()
	q.Set("threshold", strconv.Itoa(g.threshold))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("ocr: create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, errors.GatewayFailure(fmt.Errorf("ocr: %s recognizer request failed: %w", side, err), messageKey)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.GatewayFailure(fmt.Errorf("ocr: read %s response: %w", side, err), messageKey)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.GatewayFailure(
			fmt.Errorf("ocr: %s recognizer returned %d: %s", side, resp.StatusCode, string(respBody)),
			messageKey,
		)
	}

	var payload Extraction
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return nil, errors.GatewayFailure(fmt.Errorf("ocr: parse %s response: %w", side, err), messageKey)
	}
	return payload.Unwrap(), nil
}
