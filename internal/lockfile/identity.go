package lockfile

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// identityNamespace is the fixed UUID namespace for deriving lock-file
// identities. Changing it would change every on-disk lock-file name, so it
// must stay constant across releases.
var identityNamespace = uuid.MustParse("7f9a4b62-1c3e-4d8f-9b5a-2e6c8d0f4a17")

// fallbackSlug is used when a target path yields no usable slug characters.
const fallbackSlug = "project"

// projectSuffixes are resource-type suffixes stripped before slugging so
// "App.xcodeproj" and "App.xcworkspace" read as "app" in lock-file names.
var projectSuffixes = []string{".xcodeproj", ".xcworkspace"}

// ResolveIdentity maps a lock target string to its stable, filesystem-safe
// lock-file identity: a human-readable slug of the basename plus a
// deterministic version-5 UUID of the full target string. The same target
// always resolves to the same identity, on any machine, in any process.
func ResolveIdentity(target string) string {
	id := uuid.NewSHA1(identityNamespace, []byte(target))
	return slugify(filepath.Base(target)) + "-" + id.String()
}

// slugify lowercases the name, strips known project suffixes, and collapses
// runs of non-alphanumeric characters to single dashes.
func slugify(name string) string {
	lower := strings.ToLower(name)
	for _, suffix := range projectSuffixes {
		lower = strings.TrimSuffix(lower, suffix)
	}

	var b strings.Builder
	lastDash := true // swallow leading separators
	for _, r := range lower {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}

	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return fallbackSlug
	}
	return slug
}
