package gameapi

import (
	"net/http"
	"net/url"
)

const CSRFCookie = "csrftoken"

// TokenSource provides the CSRF token sent with every request.
type TokenSource interface {
	Token(u *url.URL) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

func (t StaticToken) Token(*url.URL) (string, error) {
	return string(t), nil
}

// CookieToken reads the token from the csrftoken cookie of the jar,
// falling back to a token obtained elsewhere, e.g. from the page markup.
type CookieToken struct {
	Jar      http.CookieJar
	Fallback string
}

func (t CookieToken) Token(u *url.URL) (string, error) {
	if t.Jar != nil {
		for _, cookie := range t.Jar.Cookies(u) {
			if cookie.Name == CSRFCookie {
				return cookie.Value, nil
			}
		}
	}
	return t.Fallback, nil
}
