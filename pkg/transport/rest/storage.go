package rest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Upload stores data at bucket/path and returns the stored object path.
func (c *Client) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	var resp struct {
		Key string `json:"Key"`
	}
	err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/storage/v1/object/" + bucket + "/" + path,
		body:        data,
		contentType: contentType,
		headers: map[string]string{
			"x-upsert":      "false",
			"cache-control": "max-age=3600",
		},
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", path, err)
	}
	if stored := strings.TrimPrefix(resp.Key, bucket+"/"); stored != "" {
		return stored, nil
	}
	return path, nil
}

func (c *Client) PublicURL(bucket, path string) string {
	return c.base.JoinPath("/storage/v1/object/public", bucket, path).String()
}
