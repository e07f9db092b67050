package session

import (
	"crypto/rand"
	"net/http"
	"time"
)

// CookieName is the single cookie name the Session Manager owns
// (spec §6: "Name: CNET_SID").
const CookieName = "CNET_SID"

// idAlphabet is the URL-safe, printable alphabet session ids are drawn from
// (spec §6: "20 printable characters drawn from a cryptographically secure
// source, URL-safe").
const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// idLength is the session id length (spec §3: "opaque 20-character token").
const idLength = 20

// GenerateID draws a fresh 20-character id from crypto/rand, rejecting
// modulo bias by discarding out-of-range bytes.
func GenerateID() (string, error) {
	out := make([]byte, 0, idLength)
	buf := make([]byte, idLength*2)
	alphabetLen := len(idAlphabet)
	// 256 % 64 == 0 for our 64-char alphabet, so no bias correction is
	// strictly required, but we guard generically in case idAlphabet grows.
	// limit is an int: as a byte, 256 would wrap to 0 and reject every byte.
	limit := 256 - (256 % alphabetLen)
	for len(out) < idLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if len(out) == idLength {
				break
			}
			if int(b) >= limit {
				continue
			}
			out = append(out, idAlphabet[int(b)%alphabetLen])
		}
	}
	return string(out), nil
}

// CookieTemplate is the reference template response cookies copy their
// attributes from (spec §4.5 "Cookie contract", spec §9 "Global mutable
// state ... is modeled as an initialization-time configuration struct").
type CookieTemplate struct {
	Path     string
	Domain   string
	HttpOnly bool
	Secure   bool
	SameSite http.SameSite
	// MaxAge, if > 0, bounds the cookie's lifetime; 0 means a session
	// cookie (cleared when the browser closes).
	MaxAge int
}

// DefaultCookieTemplate returns the spec §4.5 defaults:
// "HttpOnly=true, Path=/, SameSite=Lax".
func DefaultCookieTemplate() CookieTemplate {
	return CookieTemplate{
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// issue builds the Set-Cookie for a freshly persisted session id.
func (t CookieTemplate) issue(id string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     t.Path,
		Domain:   t.Domain,
		HttpOnly: t.HttpOnly,
		Secure:   t.Secure,
		SameSite: t.SameSite,
		MaxAge:   t.MaxAge,
	}
}

// deletion builds the Set-Cookie that clears the session cookie
// (spec §6: "Deletion: Max-Age=0; Expires=Thu, 01 Jan 1970 00:00:00 GMT").
func (t CookieTemplate) deletion() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     t.Path,
		Domain:   t.Domain,
		HttpOnly: t.HttpOnly,
		Secure:   t.Secure,
		SameSite: t.SameSite,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0).UTC(),
	}
}

// extractCookieValue returns the CNET_SID cookie's value from a request's
// cookie jar, if present.
func extractCookieValue(cookies []*http.Cookie) (string, bool) {
	for _, c := range cookies {
		if c.Name == CookieName {
			return c.Value, true
		}
	}
	return "", false
}
