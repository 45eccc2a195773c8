// Package session keeps the cookies that make up the crawl's fetch session.
package session

import (
	"net/http"
	"sync"
	"time"
)

// Cookie is the persisted form of a session cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
}

// Jar is a concurrency-safe cookie set keyed by name, domain and path.
// Workers read it before each fetch and merge response cookies back in.
type Jar struct {
	mu      sync.RWMutex
	cookies map[string]*http.Cookie
}

// NewJar returns an empty Jar.
func NewJar() *Jar {
	return &Jar{cookies: make(map[string]*http.Cookie)}
}

func key(c *http.Cookie) string {
	return c.Name + "\x00" + c.Domain + "\x00" + c.Path
}

// Cookies returns a copy of the current cookies.
func (j *Jar) Cookies() []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]*http.Cookie, 0, len(j.cookies))
	for _, c := range j.cookies {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// Merge adds or replaces cookies. A cookie with MaxAge < 0 removes its entry.
func (j *Jar) Merge(cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		if c.MaxAge < 0 {
			delete(j.cookies, key(c))
			continue
		}
		cp := *c
		j.cookies[key(c)] = &cp
	}
}

// Reset drops every cookie.
func (j *Jar) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cookies = make(map[string]*http.Cookie)
}

// Len returns the number of cookies held.
func (j *Jar) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.cookies)
}

// Export converts the jar to its persisted form.
func (j *Jar) Export() []Cookie {
	cookies := j.Cookies()
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		})
	}
	return out
}

// Restore replaces the jar contents with persisted cookies.
func (j *Jar) Restore(cookies []Cookie) {
	restored := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		restored = append(restored, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	j.Reset()
	j.Merge(restored)
}
