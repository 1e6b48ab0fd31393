package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog"

	"github.com/capstack/capman/pkg/errs"
	"github.com/capstack/capman/pkg/log"
	"github.com/capstack/capman/pkg/metrics"
	"github.com/capstack/capman/pkg/types"
)

const fetchedAtMarker = ".fetched_at"

// Materializer prepares plugin bundles on local disk. Git bundles are
// content-addressed under <cacheRoot>/<id>/<commit | sanitized-branch>/ and
// reused across invocations; a commit-pinned clone is immutable forever,
// a branch-only clone is refreshed past branchTTL.
type Materializer struct {
	pluginRoot string
	cacheRoot  string
	branchTTL  time.Duration
	deps       *DependencyInstaller
	locks      *keyedLock
	logger     zerolog.Logger
}

// NewMaterializer creates a bundle materializer
func NewMaterializer(pluginRoot, cacheRoot string, branchTTL time.Duration) *Materializer {
	return &Materializer{
		pluginRoot: pluginRoot,
		cacheRoot:  cacheRoot,
		branchTTL:  branchTTL,
		deps:       NewDependencyInstaller(),
		locks:      newKeyedLock(),
		logger:     log.WithComponent("materializer"),
	}
}

// Prepare materializes the manifest's bundle and returns its root. Inline
// bundles resolve directly into the plugin root; git bundles are cloned into
// the cache on first use.
func (m *Materializer) Prepare(manifest *types.Manifest) (string, error) {
	if manifest.Remote() {
		return "", nil
	}

	src := manifest.PackageSource
	if src == nil {
		src = &types.PackageSource{Type: types.PackageSourceInline, Path: manifest.Verb}
	}

	var bundleRoot string
	var err error
	switch src.Type {
	case types.PackageSourceInline:
		bundleRoot, err = m.prepareInline(manifest, src)
	case types.PackageSourceGit:
		bundleRoot, err = m.prepareGit(manifest, src)
	default:
		err = errs.Newf(errs.CodePreparationFailed, "materializer",
			"unknown package source type %q", src.Type)
	}
	if err != nil {
		metrics.BundlePreparations.WithLabelValues(string(src.Type), "error").Inc()
		return "", err
	}

	if manifest.EntryPoint != nil && manifest.EntryPoint.Main != "" {
		entry := filepath.Join(bundleRoot, manifest.EntryPoint.Main)
		if _, statErr := os.Stat(entry); statErr != nil {
			metrics.BundlePreparations.WithLabelValues(string(src.Type), "error").Inc()
			return "", errs.Newf(errs.CodeEntryPointMissing, "materializer",
				"entry point %s not found in bundle %s", manifest.EntryPoint.Main, bundleRoot)
		}
	}

	// Subprocess plugins get their dependency environment during preparation
	if manifest.Language == types.LanguageSubprocess {
		if err := m.deps.EnsureInstalled(bundleRoot); err != nil {
			metrics.BundlePreparations.WithLabelValues(string(src.Type), "error").Inc()
			return "", err
		}
	}

	metrics.BundlePreparations.WithLabelValues(string(src.Type), "ok").Inc()
	return bundleRoot, nil
}

func (m *Materializer) prepareInline(manifest *types.Manifest, src *types.PackageSource) (string, error) {
	path := src.Path
	if path == "" {
		path = manifest.Verb
	}
	bundleRoot := filepath.Join(m.pluginRoot, path)
	if _, err := os.Stat(bundleRoot); err != nil {
		return "", errs.Newf(errs.CodePreparationFailed, "materializer",
			"inline bundle %s does not exist", bundleRoot)
	}
	return bundleRoot, nil
}

func (m *Materializer) prepareGit(manifest *types.Manifest, src *types.PackageSource) (string, error) {
	ref := src.CommitHash
	pinned := ref != ""
	if !pinned {
		ref = sanitizeBranch(src.Branch)
		if ref == "" {
			ref = "main"
		}
	}
	cachePath := filepath.Join(m.cacheRoot, manifest.ID, ref)

	// Per-key lock so concurrent preparations of the same (id, ref) do not
	// race on directory creation
	unlock := m.locks.Lock(manifest.ID + "@" + ref)
	defer unlock()

	if dirExists(cachePath) {
		if pinned || m.fresh(cachePath) {
			return m.bundleRoot(cachePath, src), nil
		}
		if err := m.refresh(cachePath, src); err != nil {
			m.logger.Warn().Err(err).Str("path", cachePath).Msg("branch refresh failed, reusing stale clone")
		}
		return m.bundleRoot(cachePath, src), nil
	}

	if err := m.clone(cachePath, src); err != nil {
		// Retry once on a half-created directory: remove and clone again
		if strings.Contains(err.Error(), "directory not empty") || strings.Contains(err.Error(), "already exists") {
			m.logger.Warn().Str("path", cachePath).Msg("retrying clone into non-empty cache path")
			if rmErr := os.RemoveAll(cachePath); rmErr != nil {
				return "", errs.New(errs.CodePreparationFailed, "materializer",
					"failed to reset cache path", errs.WithCause(rmErr))
			}
			err = m.clone(cachePath, src)
		}
		if err != nil {
			return "", errs.New(errs.CodePreparationFailed, "materializer",
				fmt.Sprintf("failed to clone %s", src.URL), errs.WithCause(err))
		}
	}

	return m.bundleRoot(cachePath, src), nil
}

func (m *Materializer) clone(cachePath string, src *types.PackageSource) error {
	if err := os.MkdirAll(filepath.Dir(cachePath), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	opts := &git.CloneOptions{
		URL:   src.URL,
		Depth: 1,
	}
	if src.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(src.Branch)
		opts.SingleBranch = true
	}
	if src.CommitHash != "" {
		// A pinned commit may be outside the shallow window
		opts.Depth = 0
	}

	repo, err := git.PlainClone(cachePath, false, opts)
	if err != nil {
		return err
	}

	if src.CommitHash != "" {
		wt, err := repo.Worktree()
		if err != nil {
			return fmt.Errorf("failed to open worktree: %w", err)
		}
		if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(src.CommitHash)}); err != nil {
			return fmt.Errorf("failed to checkout %s: %w", src.CommitHash, err)
		}
	}

	return m.stamp(cachePath)
}

func (m *Materializer) refresh(cachePath string, src *types.PackageSource) error {
	repo, err := git.PlainOpen(cachePath)
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	err = wt.Pull(&git.PullOptions{})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return err
	}
	return m.stamp(cachePath)
}

func (m *Materializer) fresh(cachePath string) bool {
	info, err := os.Stat(filepath.Join(cachePath, fetchedAtMarker))
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) < m.branchTTL
}

func (m *Materializer) stamp(cachePath string) error {
	return os.WriteFile(filepath.Join(cachePath, fetchedAtMarker),
		[]byte(time.Now().UTC().Format(time.RFC3339)), 0644)
}

func (m *Materializer) bundleRoot(cachePath string, src *types.PackageSource) string {
	if src.SubPath != "" {
		return filepath.Join(cachePath, src.SubPath)
	}
	return cachePath
}

func sanitizeBranch(branch string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			return r
		default:
			return '_'
		}
	}, branch)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
