// Package checkpoint implements the Workspace Checkpoint Store:
// content-addressed, git-like snapshotting of a working directory,
// grounded on github.com/go-git/go-git/v5 — no example repo in the
// retrieved pack implements git-backed snapshotting directly; go-git
// itself is only referenced by a go.mod manifest in the pack, so this
// package is a fresh design around a freshly-wired dependency.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"

	"github.com/agentcore/runtime/pkg/runtime"
)

// commitMessagePrefix tags every commit this store creates, so
// ListCheckpoints can filter out any foreign commit that might end up
// in the same repository (list operations filter out any commit
// that is not tagged as a checkpoint, except the initial empty commit).
const commitMessagePrefix = "CHECKPOINT: "

const backupNamePrefix = "backup-before-applying-"

var checkpointAuthor = object.Signature{
	Name:  "agentcore-runtime",
	Email: "agentcore-runtime@localhost",
}

// Store snapshots a working directory using a non-bare git repository
// rooted at <workspaceDataDir>/checkpoints, whose work-tree is the
// workspace directory being protected.
type Store struct {
	mu           sync.Mutex
	workspaceDir string
	repo         *git.Repository
	worktree     *git.Worktree
}

// Open opens (creating if absent) the checkpoint store for
// workspaceDir, storing its git database under
// <workspaceDataDir>/checkpoints. On first use it initializes a fresh,
// non-bare repository with a deterministic author identity and an
// initial empty commit.
func Open(workspaceDataDir, workspaceDir string) (*Store, error) {
	gitDir := filepath.Join(workspaceDataDir, "checkpoints")
	if err := os.MkdirAll(gitDir, 0o755); err != nil {
		return nil, &runtime.CheckpointError{Op: "open", Err: fmt.Errorf("create git dir: %w", err)}
	}
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, &runtime.CheckpointError{Op: "open", Err: fmt.Errorf("create workspace dir: %w", err)}
	}

	storer := filesystem.NewStorage(osfs.New(gitDir), cache.NewObjectLRUDefault())
	wtFS := osfs.New(workspaceDir)

	repo, err := git.Open(storer, wtFS)
	if err == git.ErrRepositoryNotExists {
		repo, err = initRepo(storer, wtFS)
	}
	if err != nil {
		return nil, &runtime.CheckpointError{Op: "open", Err: err}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, &runtime.CheckpointError{Op: "open", Err: err}
	}

	return &Store{workspaceDir: workspaceDir, repo: repo, worktree: wt}, nil
}

func initRepo(storer *filesystem.Storage, wtFS billy.Filesystem) (*git.Repository, error) {
	repo, err := git.Init(storer, wtFS)
	if err != nil {
		return nil, fmt.Errorf("init repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	sig := checkpointAuthor
	sig.When = time.Now()
	_, err = wt.Commit(commitMessagePrefix+"(initial)", &git.CommitOptions{
		Author:            &sig,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return nil, fmt.Errorf("initial empty commit: %w", err)
	}
	return repo, nil
}

// CreateCheckpoint snapshots the current working directory. If no
// tracked file content changed since the previous checkpoint, it
// records an advice-only (empty) commit whose stored name is suffixed
// with runtime.AdviceOnlySuffix.
func (s *Store) CreateCheckpoint(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, err := s.createCheckpointLocked(name)
	if err != nil {
		return "", &runtime.CheckpointError{Op: "create", Err: err}
	}
	return hash, nil
}

// createCheckpointLocked is CreateCheckpoint's body, callable while
// s.mu is already held (used by ApplyCheckpoint's backup step).
func (s *Store) createCheckpointLocked(name string) (string, error) {
	if _, err := s.worktree.Add("."); err != nil {
		return "", fmt.Errorf("stage files: %w", err)
	}
	status, err := s.worktree.Status()
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}

	message := commitMessagePrefix + name
	if status.IsClean() {
		message = commitMessagePrefix + name + runtime.AdviceOnlySuffix
	}

	sig := checkpointAuthor
	sig.When = time.Now()
	hash, err := s.worktree.Commit(message, &git.CommitOptions{
		Author:            &sig,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String(), nil
}

// GetCheckpointDetails returns the recorded name (advice-only suffix
// stripped), timestamp, and changed-files list for id.
func (s *Store) GetCheckpointDetails(id string) (runtime.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointFromHash(plumbing.NewHash(id))
}

func (s *Store) checkpointFromHash(hash plumbing.Hash) (runtime.Checkpoint, error) {
	commit, err := s.repo.CommitObject(hash)
	if err != nil {
		return runtime.Checkpoint{}, &runtime.CheckpointError{Op: "get", Err: runtime.ErrCheckpointNotFound}
	}
	if !strings.HasPrefix(commit.Message, commitMessagePrefix) {
		return runtime.Checkpoint{}, &runtime.CheckpointError{Op: "get", Err: runtime.ErrCheckpointNotFound}
	}

	name := strings.TrimPrefix(commit.Message, commitMessagePrefix)
	name = strings.TrimSuffix(name, runtime.AdviceOnlySuffix)

	files, err := changedFiles(commit)
	if err != nil {
		return runtime.Checkpoint{}, &runtime.CheckpointError{Op: "get", Err: err}
	}

	return runtime.Checkpoint{
		ID:        hash.String(),
		Name:      name,
		Timestamp: commit.Author.When,
		Files:     files,
	}, nil
}

func changedFiles(commit *object.Commit) ([]string, error) {
	parent, err := commit.Parents().Next()
	if err != nil {
		// Root commit (the initial empty commit): no prior state to diff against.
		return nil, nil
	}
	parentTree, err := parent.Tree()
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}
	changes, err := object.DiffTree(parentTree, tree)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(changes))
	for _, c := range changes {
		if c.To.Name != "" {
			names = append(names, c.To.Name)
		} else {
			names = append(names, c.From.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ListCheckpoints returns every checkpoint this store has recorded, in
// chronological (oldest-first) order, including the initial empty
// commit.
func (s *Store) ListCheckpoints() ([]runtime.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.repo.Head()
	if err != nil {
		return nil, &runtime.CheckpointError{Op: "list", Err: err}
	}
	iter, err := s.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, &runtime.CheckpointError{Op: "list", Err: err}
	}

	var out []runtime.Checkpoint
	err = iter.ForEach(func(c *object.Commit) error {
		if !strings.HasPrefix(c.Message, commitMessagePrefix) {
			return nil
		}
		cp, err := s.checkpointFromHash(c.Hash)
		if err != nil {
			return err
		}
		out = append(out, cp)
		return nil
	})
	if err != nil {
		return nil, &runtime.CheckpointError{Op: "list", Err: err}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ApplyCheckpoint restores the working directory's tracked files to
// the content recorded at id, without moving HEAD. If id is not an
// advice-only checkpoint, a backup checkpoint is created first so the
// pre-apply state is itself recoverable.
func (s *Store) ApplyCheckpoint(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := plumbing.NewHash(id)
	cp, err := s.checkpointFromHash(hash)
	if err != nil {
		return err
	}

	if !cp.IsAdviceOnly() {
		prefix := id
		if len(prefix) > 12 {
			prefix = prefix[:12]
		}
		if _, err := s.createCheckpointLocked(backupNamePrefix + prefix); err != nil {
			return &runtime.CheckpointError{Op: "apply", Err: fmt.Errorf("backup before apply: %w", err)}
		}
	}

	commit, err := s.repo.CommitObject(hash)
	if err != nil {
		return &runtime.CheckpointError{Op: "apply", Err: err}
	}
	tree, err := commit.Tree()
	if err != nil {
		return &runtime.CheckpointError{Op: "apply", Err: err}
	}

	if err := restoreTree(tree, s.workspaceDir); err != nil {
		return &runtime.CheckpointError{Op: "apply", Err: err}
	}
	return nil
}

// restoreTree writes every blob in tree to dir, overwriting existing
// files via write-temp-then-rename. Files present in dir but absent
// from tree are left alone: untracked files outside the tracked set
// are never touched.
func restoreTree(tree *object.Tree, dir string) error {
	files := tree.Files()
	defer files.Close()

	return files.ForEach(func(f *object.File) error {
		contents, err := f.Contents()
		if err != nil {
			return fmt.Errorf("read blob %s: %w", f.Name, err)
		}
		return writeFileAtomic(filepath.Join(dir, f.Name), []byte(contents))
	})
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
