package secrets

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const latestVersion = "latest"

// reference is a parsed secret://name?version=N&project=P URI.
type reference struct {
	canonical string
	secret    string
	version   string
	project   string
}

func parseReference(raw string) (reference, error) {
	raw = normalizeScheme(raw)
	if raw == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}

	query := u.Query()
	return reference{
		canonical: "secret://" + name,
		secret:    name,
		version:   strings.TrimSpace(query.Get("version")),
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

// normalizeScheme rewrites the sm:// shorthand to secret://.
func normalizeScheme(raw string) string {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, "sm://"); ok {
		return "secret://" + rest
	}
	return raw
}

func (r reference) resolvedVersion() string {
	if r.version == "" {
		return latestVersion
	}
	return r.version
}

func (r reference) key() string {
	return r.canonical + "#" + r.resolvedVersion()
}

func (r reference) resource(projectID string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", projectID, r.secret, r.resolvedVersion())
}
