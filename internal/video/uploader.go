package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"resty.dev/v3"
)

// DefaultUploadURL is tmpfiles.org's anonymous upload endpoint.
const DefaultUploadURL = "https://tmpfiles.org/api/v1/upload"

// Uploader puts media on a temporary public host.
type Uploader struct {
	client *resty.Client
	url    string
}

// NewUploader creates an Uploader posting to url, or DefaultUploadURL when url is empty.
func NewUploader(url string) *Uploader {
	if url == "" {
		url = DefaultUploadURL
	}
	return &Uploader{client: resty.New().SetTimeout(60 * time.Second), url: url}
}

type uploadResponse struct {
	Status string `json:"status"`
	Data   struct {
		URL string `json:"url"`
	} `json:"data"`
}

// Upload sends data as a multipart "file" field and returns the direct-download URL.
func (u *Uploader) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	res, err := u.client.R().
		SetContext(ctx).
		SetFileReader("file", filename, bytes.NewReader(data)).
		Post(u.url)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	if res.StatusCode() < 200 || res.StatusCode() >= 300 {
		return "", fmt.Errorf("upload failed: status %d", res.StatusCode())
	}
	var out uploadResponse
	if err := json.Unmarshal(res.Bytes(), &out); err != nil {
		return "", fmt.Errorf("upload response undecodable: %w", err)
	}
	if out.Data.URL == "" {
		return "", fmt.Errorf("upload response carried no url")
	}
	link := DirectDownloadURL(out.Data.URL)
	slog.Debug("Uploader.Upload: media hosted", "url", link, "bytes", len(data))
	return link, nil
}

// DirectDownloadURL rewrites a tmpfiles.org page link into its raw file link.
func DirectDownloadURL(link string) string {
	if strings.Contains(link, "tmpfiles.org/dl/") {
		return link
	}
	return strings.Replace(link, "tmpfiles.org/", "tmpfiles.org/dl/", 1)
}
