package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/tjfontaine/grok-gateway/internal/pkg/safehttp"
)

// ErrTooLarge is returned when an image exceeds the configured size limit.
var ErrTooLarge = errors.New("media: too large")

// Image is a decoded input image ready for upload.
type Image struct {
	Name      string
	MediaType string
	Data      []byte
}

// ImageFetcher resolves caller-supplied image references (data URLs or
// http(s) URLs) into bytes.
type ImageFetcher struct {
	client  *http.Client
	maxSize int64
}

// ImageFetcherOption configures the image fetcher.
type ImageFetcherOption func(*ImageFetcher)

// WithImageHTTPClient sets a custom HTTP client for the fetcher.
func WithImageHTTPClient(client *http.Client) ImageFetcherOption {
	return func(f *ImageFetcher) {
		f.client = client
	}
}

// WithMaxSize sets the maximum allowed image size.
func WithMaxSize(maxSize int64) ImageFetcherOption {
	return func(f *ImageFetcher) {
		f.maxSize = maxSize
	}
}

// NewImageFetcher creates a fetcher that refuses private addresses.
func NewImageFetcher(opts ...ImageFetcherOption) *ImageFetcher {
	f := &ImageFetcher{
		client:  safehttp.NewClient(30 * time.Second),
		maxSize: 20 << 20,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch resolves one image reference.
func (f *ImageFetcher) Fetch(ctx context.Context, ref string) (*Image, error) {
	if strings.HasPrefix(ref, "data:") {
		return f.decodeDataURL(ref)
	}
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return nil, fmt.Errorf("unsupported URL scheme: must be http:// or https://")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch image: status %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, resp.ContentLength, f.maxSize)
	}

	mediaType := normalizeMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "" {
		mediaType = inferMediaType(ref)
	}
	if !isSupportedMediaType(mediaType) {
		return nil, fmt.Errorf("unsupported media type: %s", mediaType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > f.maxSize {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, f.maxSize)
	}

	return &Image{Name: fileName(ref, mediaType), MediaType: mediaType, Data: data}, nil
}

// decodeDataURL parses data:image/png;base64,....
func (f *ImageFetcher) decodeDataURL(ref string) (*Image, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("invalid data URL: missing comma separator")
	}

	params := strings.Split(meta, ";")
	mediaType := normalizeMediaType(params[0])
	if !isSupportedMediaType(mediaType) {
		return nil, fmt.Errorf("unsupported media type: %s", params[0])
	}
	isBase64 := false
	for _, p := range params[1:] {
		if p == "base64" {
			isBase64 = true
			break
		}
	}
	if !isBase64 {
		return nil, fmt.Errorf("data URL must be base64 encoded")
	}

	if int64(base64.StdEncoding.DecodedLen(len(payload))) > f.maxSize+2 {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, f.maxSize)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid data URL: %w", err)
	}
	if int64(len(data)) > f.maxSize {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, f.maxSize)
	}

	return &Image{Name: fileName("", mediaType), MediaType: mediaType, Data: data}, nil
}

func fileName(ref, mediaType string) string {
	if ref != "" {
		if base := path.Base(strings.SplitN(ref, "?", 2)[0]); path.Ext(base) != "" {
			return base
		}
	}
	switch mediaType {
	case "image/png":
		return "image.png"
	case "image/gif":
		return "image.gif"
	case "image/webp":
		return "image.webp"
	}
	return "image.jpg"
}

// inferMediaType guesses the media type from a URL suffix.
func inferMediaType(url string) string {
	u := strings.ToLower(strings.SplitN(url, "?", 2)[0])
	switch {
	case strings.HasSuffix(u, ".png"):
		return "image/png"
	case strings.HasSuffix(u, ".gif"):
		return "image/gif"
	case strings.HasSuffix(u, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func isSupportedMediaType(mediaType string) bool {
	switch mediaType {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return true
	}
	return false
}

// normalizeMediaType strips parameters and folds image/jpg to image/jpeg.
func normalizeMediaType(mediaType string) string {
	mt := strings.TrimSpace(strings.ToLower(strings.Split(mediaType, ";")[0]))
	if mt == "image/jpg" {
		return "image/jpeg"
	}
	return mt
}
