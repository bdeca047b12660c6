package camera

import "net/url"

// redact hides credentials embedded in a stream URI.
func redact(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}

	return u.Redacted()
}
