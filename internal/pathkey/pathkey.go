// Package pathkey canonicalizes project directory paths so that the same
// logical project never produces two different map keys, regardless of how
// the caller spelled the path.
package pathkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Normalize returns the canonical form of dir: absolute, forward slashes,
// drive letter lower-cased on Windows-style paths, no trailing separator.
// Relative paths are resolved against the current working directory.
// Drive-letter paths are recognized on every platform: clients on Windows
// talk to daemons on Linux, and both sides must derive the same key.
func Normalize(dir string) string {
	if hasDriveLetter(dir) {
		// filepath.Abs on a non-Windows host would prefix the cwd to a
		// "C:/..." path, so drive paths are canonicalized by hand. The
		// drive letter is case-folded: "C:/..." and "c:/..." are the
		// same volume.
		p := strings.ReplaceAll(dir, `\`, "/")
		p = strings.ToLower(p[:1]) + p[1:]
		p = path.Clean(p)
		if len(p) > 1 {
			p = strings.TrimRight(p, "/")
		}
		return p
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	abs = filepath.ToSlash(filepath.Clean(abs))
	if len(abs) > 1 {
		abs = strings.TrimRight(abs, "/")
	}
	return abs
}

// hasDriveLetter reports whether the path starts with a Windows drive
// specifier like "C:".
func hasDriveLetter(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// ProjectLabel returns a short human-readable identifier for a directory:
// the base name plus a truncated hash of the canonical path. Used in logs
// and as the persistence key, where the full path would be noisy.
func ProjectLabel(dir string) string {
	canonical := Normalize(dir)
	hash := sha256.Sum256([]byte(canonical))
	shortHash := hex.EncodeToString(hash[:3]) // 6 chars

	base := canonical[strings.LastIndex(canonical, "/")+1:]
	if base == "" {
		base = "root"
	}
	return fmt.Sprintf("%s_%s", base, shortHash)
}
