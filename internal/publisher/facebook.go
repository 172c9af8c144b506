package publisher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

const facebookGraphURL = "https://graph.facebook.com/v19.0"

// Facebook publishes page feed posts through the Graph API.
type Facebook struct {
	Client  *http.Client
	BaseURL string
	limiter *rate.Limiter
}

func NewFacebook(client *http.Client) *Facebook {
	if client == nil {
		client = defaultClient()
	}
	return &Facebook{
		Client:  client,
		BaseURL: facebookGraphURL,
		limiter: rate.NewLimiter(rate.Limit(1), 2),
	}
}

func (f *Facebook) Platform() string { return "facebook" }

func (f *Facebook) Publish(ctx context.Context, req Request) (string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return "", WrapTransport(f.Platform(), err)
	}

	form := url.Values{}
	form.Set("message", req.Content)
	form.Set("access_token", req.AccessToken)
	endpoint := f.BaseURL + "/" + req.ExternalID + "/feed"
	if req.MediaURL != "" {
		// A media post goes through /photos with the image fetched by the
		// platform from our public URL.
		endpoint = f.BaseURL + "/" + req.ExternalID + "/photos"
		form.Set("url", req.MediaURL)
		form.Set("caption", req.Content)
		form.Del("message")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", Permanent(f.Platform(), "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.Client.Do(httpReq)
	if err != nil {
		return "", WrapTransport(f.Platform(), err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError(f.Platform(), resp.StatusCode, extractGraphError(body, "publish rejected"))
	}

	var out struct {
		ID     string `json:"id"`
		PostID string `json:"post_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", Transient(f.Platform(), "unparseable response: %v", err)
	}
	// Photo uploads report both ids; the feed post id is the one we track.
	if out.PostID != "" {
		return out.PostID, nil
	}
	if out.ID == "" {
		return "", Permanent(f.Platform(), "response carried no post id")
	}
	return out.ID, nil
}

// extractGraphError pulls the human-readable message out of a Graph API error
// payload, falling back when the body isn't the expected shape.
func extractGraphError(body []byte, fallback string) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	if len(body) > 0 {
		s := strings.TrimSpace(string(body))
		if len(s) > 200 {
			s = s[:200]
		}
		if s != "" {
			return s
		}
	}
	return fallback
}
