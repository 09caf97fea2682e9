package secrets

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const latestVersion = "latest"

// Reference is a parsed secret://name?version=N&project=P reference.
type Reference struct {
	Canonical string
	Name      string
	Version   string
	Project   string
}

// ParseReference validates ref and splits out the secret name, pinned version, and project override.
// The legacy sm:// scheme is accepted as an alias of secret://.
func ParseReference(ref string) (Reference, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return Reference{}, errors.New("secrets: empty reference")
	}
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		trimmed = "secret://" + rest
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return Reference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return Reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return Reference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}

	query := u.Query()
	return Reference{
		Canonical: "secret://" + name,
		Name:      name,
		Version:   strings.TrimSpace(query.Get("version")),
		Project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func (r Reference) resource(projectID, version string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", projectID, r.Name, version)
}

// fallbackKey maps a secret name and version onto a dotenv-safe key: dashes become underscores and a
// non-latest version is appended after a dot (stripe_api_key.5).
func fallbackKey(name, version string) string {
	key := strings.ReplaceAll(name, "-", "_")
	if version != "" && version != latestVersion {
		key += "." + version
	}
	return key
}

func cacheKey(canonical, version string) string {
	return canonical + "#" + version
}

func maskReference(ref string) string {
	h := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(h[:8])
}
