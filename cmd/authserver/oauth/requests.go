package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

const maxBodyBytes = 1 << 20

type registerAppRequest struct {
	AppName      string   `json:"app_name"`
	RedirectURIs []string `json:"redirect_uris"`
}

type registerAppResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	AppName      string `json:"app_name"`
}

type authorizeRequest struct {
	ClientID     string
	RedirectURI  string
	ResponseType string
	State        string
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURI  string `json:"redirect_uri"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

func (req registerAppRequest) validate() error {
	if strings.TrimSpace(req.AppName) == "" || len(req.RedirectURIs) == 0 {
		return errors.New("app_name and redirect_uris are required")
	}
	return nil
}

func (req authorizeRequest) validate() error {
	if req.ClientID == "" || req.RedirectURI == "" || req.ResponseType == "" {
		return errors.New("client_id, redirect_uri, and response_type are required")
	}
	return nil
}

func (req tokenRequest) validate() error {
	if req.GrantType == "" || req.Code == "" || req.ClientID == "" || req.ClientSecret == "" || req.RedirectURI == "" {
		return errors.New("grant_type, code, client_id, client_secret, and redirect_uri are required")
	}
	return nil
}

func parseAuthorizeRequest(r *http.Request) authorizeRequest {
	q := r.URL.Query()
	return authorizeRequest{
		ClientID:     strings.TrimSpace(q.Get("client_id")),
		RedirectURI:  strings.TrimSpace(q.Get("redirect_uri")),
		ResponseType: strings.TrimSpace(q.Get("response_type")),
		// state is opaque and echoed byte for byte
		State: q.Get("state"),
	}
}

func decodeRegisterApp(r *http.Request) (registerAppRequest, error) {
	var req registerAppRequest
	if isForm(r) {
		if err := r.ParseForm(); err != nil {
			return req, fmt.Errorf("invalid form body: %w", err)
		}
		req.AppName = r.PostForm.Get("app_name")
		req.RedirectURIs = append(r.PostForm["redirect_uris"], r.PostForm["redirect_uris[]"]...)
		return req, nil
	}

	if err := decodeJSON(r, &req); err != nil {
		return req, err
	}
	return req, nil
}

// decodeTokenRequest accepts application/x-www-form-urlencoded, the form
// RFC 6749 clients send, as well as JSON.
func decodeTokenRequest(r *http.Request) (tokenRequest, error) {
	var req tokenRequest
	if isForm(r) {
		if err := r.ParseForm(); err != nil {
			return req, fmt.Errorf("invalid form body: %w", err)
		}
		req = tokenRequest{
			GrantType:    r.PostForm.Get("grant_type"),
			Code:         r.PostForm.Get("code"),
			ClientID:     r.PostForm.Get("client_id"),
			ClientSecret: r.PostForm.Get("client_secret"),
			RedirectURI:  r.PostForm.Get("redirect_uri"),
		}
	} else if err := decodeJSON(r, &req); err != nil {
		return req, err
	}

	// HTTP Basic client authentication fills in missing body credentials.
	if user, pass, ok := r.BasicAuth(); ok {
		if req.ClientID == "" {
			req.ClientID = formUnescape(user)
		}
		if req.ClientSecret == "" {
			req.ClientSecret = formUnescape(pass)
		}
	}
	return req, nil
}

// formUnescape undoes the form encoding RFC 6749 applies to Basic credentials.
func formUnescape(v string) string {
	if out, err := url.QueryUnescape(v); err == nil {
		return out
	}
	return v
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

func isForm(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/x-www-form-urlencoded"
}

func limitBody(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	}
}
