package xclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
)

// UploadMedia uploads one image with the user's token and returns the
// media id to attach to a post.
func (c *HTTPClient) UploadMedia(ctx context.Context, accessToken string, image []byte, mimeType string) (string, error) {
	if len(image) == 0 {
		return "", errors.New("empty media")
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(image)
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("media_category", "tweet_image"); err != nil {
		return "", err
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="media"; filename="reply-image"`)
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(image); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return "", err
	}
	c.auth(req, accessToken)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", &StatusError{Endpoint: "media/upload", Status: resp.StatusCode}
	}
	var raw struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
		MediaIDString string `json:"media_id_string"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return "", fmt.Errorf("decode media upload: %w", err)
	}
	id := raw.Data.ID
	if id == "" {
		id = raw.MediaIDString
	}
	if id == "" {
		return "", errors.New("media upload returned no id")
	}
	return id, nil
}
