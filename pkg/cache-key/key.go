package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// CacheKeyer derives cache keys for requests made within a scope.
// A key is the absolute request URL without its fragment,
// which is how stored responses are matched.
type CacheKeyer struct {
	// Base URL that relative URLs are resolved against,
	// usually the origin the cache sits in front of.
	Scope url.URL
}

func NewCacheKeyer(scope url.URL) CacheKeyer {
	if scope.Path == "" {
		scope.Path = "/"
	}
	return CacheKeyer{Scope: scope}
}

// Resolve resolves a possibly relative URL (e.g. "js/app.js") against the scope.
func (c CacheKeyer) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", ref, err)
	}
	return c.Scope.ResolveReference(u), nil
}

// KeyFor returns the cache key for a possibly relative URL.
func (c CacheKeyer) KeyFor(ref string) (string, error) {
	u, err := c.Resolve(ref)
	if err != nil {
		return "", err
	}
	return keyOf(u), nil
}

// Key returns the cache key for a request.
// Requests with a relative URL are taken to be relative to the scope.
func (c CacheKeyer) Key(r *http.Request) string {
	u := r.URL
	if !u.IsAbs() {
		u = c.Scope.ResolveReference(u)
	}
	return keyOf(u)
}

// GetRequestFromKey generates a GET request equal, caching-wise, to the one that
// resulted in the provided key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	u, err := url.Parse(key)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	return http.NewRequest(http.MethodGet, key, nil)
}

// VaryHeaders returns the request header fields named by the response's Vary header.
// These are stored with the response so later requests can be checked against them.
func VaryHeaders(req *http.Request, res *http.Response) http.Header {
	header := make(http.Header)
	for _, name := range GetListHeader(res.Header, "Vary") {
		if name == "*" {
			continue
		}
		for _, v := range req.Header.Values(name) {
			header.Add(name, v)
		}
	}
	return header
}

// VaryMatches reports whether the request carries the same values as the stored
// request for every header field named by the stored response's Vary header.
// A Vary of "*" never matches.
func VaryMatches(req *http.Request, storedReq http.Header, storedRes http.Header) bool {
	for _, name := range GetListHeader(storedRes, "Vary") {
		if name == "*" {
			return false
		}
		if strings.Join(req.Header.Values(name), ", ") != strings.Join(storedReq.Values(name), ", ") {
			return false
		}
	}
	return true
}

// GetListHeader returns the comma-separated members of all values of a list-based field.
func GetListHeader(header http.Header, name string) []string {
	members := make([]string, 0)
	for _, value := range header.Values(name) {
		for _, member := range strings.Split(value, ",") {
			if member = strings.TrimSpace(member); member != "" {
				members = append(members, member)
			}
		}
	}
	return members
}

func keyOf(u *url.URL) string {
	k := *u
	k.Fragment = ""
	k.RawFragment = ""
	return k.String()
}
