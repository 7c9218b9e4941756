// Package share maps short virtual paths onto the directories an operator
// chose to expose, and decides whether a filesystem path may be served.
//
// A virtual path looks like "1/photos/2024". Its first segment is a token
// ("0", "1", ...) standing in for a share root. Every path that reaches the
// filesystem goes through Resolve or IsAllowed, which compare the fully
// canonicalized path (symlinks and ".." resolved) against the roots.
package share

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"sharebox/pkg/domain"
)

type Roots struct {
	roots  []domain.ShareRoot
	tokens map[string]string
}

// New canonicalizes defaultRoot followed by extra and assigns tokens by
// position. defaultRoot always receives token "0".
func New(defaultRoot string, extra []string) (*Roots, error) {
	if defaultRoot == "" {
		return nil, errors.New("default share root is required")
	}
	paths := append([]string{defaultRoot}, extra...)
	r := &Roots{
		roots:  make([]domain.ShareRoot, 0, len(paths)),
		tokens: make(map[string]string, len(paths)),
	}
	for i, p := range paths {
		abs, err := canonical(p)
		if err != nil {
			return nil, errors.Wrapf(err, "canonicalize share %q", p)
		}
		token := strconv.Itoa(i)
		r.roots = append(r.roots, domain.ShareRoot{
			Token: token,
			Path:  abs,
			Name:  filepath.Base(abs),
		})
		r.tokens[token] = abs
	}
	return r, nil
}

// Roots returns the configured share roots in token order.
func (r *Roots) Roots() []domain.ShareRoot {
	out := make([]domain.ShareRoot, len(r.roots))
	copy(out, r.roots)
	return out
}

// Resolve turns a virtual path into a canonical absolute path. An unknown
// first segment is kept as a literal path fragment so absolute paths that
// already appear in links keep resolving. The result is ErrDenied unless it
// lies inside a share root.
func (r *Roots) Resolve(virtual string) (string, error) {
	head, rest, _ := strings.Cut(filepath.ToSlash(virtual), "/")
	if abs, ok := r.tokens[head]; ok {
		head = abs
	}
	joined := head + "/" + rest
	resolved, err := canonical(filepath.FromSlash(joined))
	if err != nil {
		return "", errors.Wrap(domain.ErrDenied, err.Error())
	}
	if !r.contains(resolved) {
		return "", errors.Wrapf(domain.ErrDenied, "%s is outside every share", resolved)
	}
	return resolved, nil
}

// Shorten swaps the longest share root prefix of abs for its token. Paths
// under no root come back unchanged. The result is only meant for links;
// Resolve must still gate any access.
func (r *Roots) Shorten(abs string) string {
	clean := filepath.Clean(abs)
	best := -1
	for i, root := range r.roots {
		if !within(root.Path, clean) {
			continue
		}
		if best < 0 || len(root.Path) > len(r.roots[best].Path) {
			best = i
		}
	}
	if best < 0 {
		return abs
	}
	root := r.roots[best]
	rel := strings.TrimPrefix(clean, root.Path)
	rel = strings.TrimLeft(filepath.ToSlash(rel), "/")
	if rel == "" {
		return root.Token
	}
	return root.Token + "/" + rel
}

// IsAllowed reports whether abs, once canonicalized, is a share root or lies
// beneath one.
func (r *Roots) IsAllowed(abs string) bool {
	resolved, err := canonical(abs)
	if err != nil {
		return false
	}
	return r.contains(resolved)
}

func (r *Roots) contains(resolved string) bool {
	for _, root := range r.roots {
		if within(root.Path, resolved) {
			return true
		}
	}
	return false
}

func within(root, candidate string) bool {
	root = filepath.Clean(root)
	candidate = filepath.Clean(candidate)
	if root == candidate {
		return true
	}
	sep := string(filepath.Separator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(candidate, root)
}

// canonical makes p absolute, removes "." and ".." and resolves symlinks in
// the longest prefix of p that exists. Missing trailing components are
// appended unchanged.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	existing, missing := abs, ""
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		missing = filepath.Join(filepath.Base(existing), missing)
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolved, missing), nil
}
