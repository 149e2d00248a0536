package urlutil

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrInvalidBaseURL is returned for a public base URL that is not an
// absolute http(s) URL without query or fragment
var ErrInvalidBaseURL = errors.New("invalid base URL")

// ParseBaseURL parses the URL the service is publicly reachable at
func ParseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidBaseURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidBaseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("%w: query and fragment not allowed", ErrInvalidBaseURL)
	}
	return u, nil
}

// JoinPath appends path elements to a base URL, keeping a trailing slash on
// the last element
func JoinPath(base string, elem ...string) (string, error) {
	u, err := ParseBaseURL(base)
	if err != nil {
		return "", err
	}
	return u.JoinPath(elem...).String(), nil
}
