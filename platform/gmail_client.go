package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"unibox/config"
	"unibox/normalizer"
)

const gmailBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"

var gmailScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/gmail.send",
}

// GmailAPI is the subset of the mail REST API the Gmail adapter needs
type GmailAPI interface {
	Profile(ctx context.Context) (string, error)
	// ListMessageIDs returns one page of ids and the token of the next page,
	// empty on the last page
	ListMessageIDs(ctx context.Context, query string, max int, pageToken string) ([]string, string, error)
	GetMessage(ctx context.Context, id string) (*normalizer.GmailPayload, error)
	SendRaw(ctx context.Context, raw string) (string, error)
}

// GmailClient calls the REST API with an OAuth2 client built from a stored
// refresh token
type GmailClient struct {
	http    *http.Client
	baseURL string
}

// NewGmailClient builds a client whose token source refreshes access tokens
// from cfg.RefreshToken
func NewGmailClient(ctx context.Context, cfg config.OAuthConfig) *GmailClient {
	oauthConfig := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       gmailScopes,
		Endpoint:     google.Endpoint,
	}
	ts := oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	return &GmailClient{
		http:    oauth2.NewClient(ctx, ts),
		baseURL: gmailBaseURL,
	}
}

// NewGmailClientWithHTTP uses an already authorised http client against baseURL
func NewGmailClientWithHTTP(client *http.Client, baseURL string) *GmailClient {
	if baseURL == "" {
		baseURL = gmailBaseURL
	}
	return &GmailClient{http: client, baseURL: baseURL}
}

func (g *GmailClient) Profile(ctx context.Context) (string, error) {
	var out struct {
		EmailAddress string `json:"emailAddress"`
	}
	if err := g.do(ctx, http.MethodGet, "/profile", nil, &out); err != nil {
		return "", err
	}
	return out.EmailAddress, nil
}

func (g *GmailClient) ListMessageIDs(ctx context.Context, query string, max int, pageToken string) ([]string, string, error) {
	params := url.Values{}
	params.Set("q", query)
	if max > 0 {
		params.Set("maxResults", strconv.Itoa(max))
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	var out struct {
		Messages []struct {
			ID       string `json:"id"`
			ThreadID string `json:"threadId"`
		} `json:"messages"`
		NextPageToken string `json:"nextPageToken"`
	}
	if err := g.do(ctx, http.MethodGet, "/messages?"+params.Encode(), nil, &out); err != nil {
		return nil, "", err
	}

	ids := make([]string, 0, len(out.Messages))
	for _, m := range out.Messages {
		ids = append(ids, m.ID)
	}
	return ids, out.NextPageToken, nil
}

func (g *GmailClient) GetMessage(ctx context.Context, id string) (*normalizer.GmailPayload, error) {
	var out normalizer.GmailPayload
	path := "/messages/" + url.PathEscape(id) + "?format=full"
	if err := g.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *GmailClient) SendRaw(ctx context.Context, raw string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := g.do(ctx, http.MethodPost, "/messages/send", map[string]string{"raw": raw}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (g *GmailClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("gmail api %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
