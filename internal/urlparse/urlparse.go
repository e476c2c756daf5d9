// Package urlparse extracts a Steam Workshop item id from a submitted URL,
// shared by the HTTP API and the MCP tool surface so both apply the same
// validation.
package urlparse

import (
	"errors"
	"net/url"
	"regexp"
)

var itemIDPattern = regexp.MustCompile(`^\d+$`)

// ErrInvalidURL is returned when the input is not a parseable Workshop item URL.
var ErrInvalidURL = errors.New("InvalidUrl")

// ItemID extracts the Workshop item id from a
// steamcommunity.com/sharedfiles/filedetails/?id=<digits> style URL (or a
// bare numeric id). The host is not restricted to allow mirrors and
// shortlinks observed in practice; only the id query parameter's shape is
// validated.
func ItemID(raw string) (string, error) {
	if itemIDPattern.MatchString(raw) {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", ErrInvalidURL
	}

	id := u.Query().Get("id")
	if id == "" || !itemIDPattern.MatchString(id) {
		return "", ErrInvalidURL
	}

	return id, nil
}
