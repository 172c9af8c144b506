package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"golang.org/x/time/rate"
)

const linkedinAPIURL = "https://api.linkedin.com/v2"

// LinkedIn publishes UGC posts on behalf of a member or organization.
type LinkedIn struct {
	Client  *http.Client
	BaseURL string
	limiter *rate.Limiter
}

func NewLinkedIn(client *http.Client) *LinkedIn {
	if client == nil {
		client = defaultClient()
	}
	return &LinkedIn{
		Client:  client,
		BaseURL: linkedinAPIURL,
		limiter: rate.NewLimiter(rate.Limit(1), 1),
	}
}

func (l *LinkedIn) Platform() string { return "linkedin" }

type linkedinShare struct {
	Author          string                          `json:"author"`
	LifecycleState  string                          `json:"lifecycleState"`
	SpecificContent map[string]linkedinShareContent `json:"specificContent"`
	Visibility      map[string]string               `json:"visibility"`
}

type linkedinShareContent struct {
	ShareCommentary    map[string]string `json:"shareCommentary"`
	ShareMediaCategory string            `json:"shareMediaCategory"`
	Media              []map[string]any  `json:"media,omitempty"`
}

func (l *LinkedIn) Publish(ctx context.Context, req Request) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", WrapTransport(l.Platform(), err)
	}

	content := linkedinShareContent{
		ShareCommentary:    map[string]string{"text": req.Content},
		ShareMediaCategory: "NONE",
	}
	if req.MediaURL != "" {
		content.ShareMediaCategory = "ARTICLE"
		content.Media = []map[string]any{{
			"status":      "READY",
			"originalUrl": req.MediaURL,
		}}
	}
	share := linkedinShare{
		Author:         "urn:li:organization:" + req.ExternalID,
		LifecycleState: "PUBLISHED",
		SpecificContent: map[string]linkedinShareContent{
			"com.linkedin.ugc.ShareContent": content,
		},
		Visibility: map[string]string{
			"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC",
		},
	}
	payload, err := json.Marshal(share)
	if err != nil {
		return "", Permanent(l.Platform(), "encode share: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.BaseURL+"/ugcPosts", bytes.NewReader(payload))
	if err != nil {
		return "", Permanent(l.Platform(), "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)
	httpReq.Header.Set("X-Restli-Protocol-Version", "2.0.0")

	resp, err := l.Client.Do(httpReq)
	if err != nil {
		return "", WrapTransport(l.Platform(), err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError(l.Platform(), resp.StatusCode, linkedinErrorDetail(body))
	}

	// The created URN is reported both in the body and the X-RestLi-Id header.
	if id := resp.Header.Get("X-Restli-Id"); id != "" {
		return id, nil
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
		return "", Permanent(l.Platform(), "response carried no post id")
	}
	return out.ID, nil
}

func linkedinErrorDetail(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return "publish rejected"
}
