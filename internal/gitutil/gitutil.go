// Package gitutil wraps the go-git plumbing operations the reconciler needs:
// opening the repository, resolving the configured author, and reading/
// writing refs/notes/ai with compare-and-swap semantics so concurrent
// reconcilers never silently clobber each other's notes.
package gitutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/gitai-tools/gitai/internal/paths"
)

// ErrNoteNotFound is returned by ReadNote when target has no authorship note.
var ErrNoteNotFound = errors.New("gitutil: no note for commit")

// ErrCASConflict is returned when WriteNoteCAS exhausts its retries because
// another writer keeps winning the race on refs/notes/ai.
var ErrCASConflict = errors.New("gitutil: notes ref compare-and-swap conflict")

// OpenRepository opens the repository containing startDir, following linked
// worktrees back to their common git dir the way go-git's DetectDotGit does.
func OpenRepository(startDir string) (*git.Repository, error) {
	dir := startDir
	if dir == "" {
		dir = "."
	}
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("gitutil: open repository: %w", err)
	}
	return repo, nil
}

// ErrNoHead is returned by HeadSHA when the repository has no commits yet.
var ErrNoHead = errors.New("gitutil: repository has no HEAD commit")

// HeadSHA resolves the current HEAD commit SHA, the base a checkpoint
// session is keyed against (spec.md §3: "the base_commit_sha is the HEAD at
// session start").
func HeadSHA(repo *git.Repository) (string, error) {
	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", ErrNoHead
	}
	if err != nil {
		return "", fmt.Errorf("gitutil: resolve HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

// Author is the name/email pair used to sign reconciler-authored commits.
type Author struct {
	Name  string
	Email string
}

// GetAuthor resolves user.name/user.email from the repository's local config,
// falling back to the global config, and finally to a fixed default so a
// note-writing commit never fails for lack of identity.
func GetAuthor(repo *git.Repository) Author {
	var a Author
	if cfg, err := repo.Config(); err == nil {
		a.Name = cfg.User.Name
		a.Email = cfg.User.Email
	}
	if a.Name == "" || a.Email == "" {
		if global, err := config.LoadConfig(config.GlobalScope); err == nil {
			if a.Name == "" {
				a.Name = global.User.Name
			}
			if a.Email == "" {
				a.Email = global.User.Email
			}
		}
	}
	if a.Name == "" {
		a.Name = "gitai"
	}
	if a.Email == "" {
		a.Email = "gitai@local"
	}
	return a
}

// CreateBlob stores content as a blob object and returns its hash.
func CreateBlob(repo *git.Repository, content []byte) (plumbing.Hash, error) {
	obj := repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))

	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("gitutil: blob writer: %w", err)
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, fmt.Errorf("gitutil: write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("gitutil: close blob writer: %w", err)
	}
	return repo.Storer.SetEncodedObject(obj)
}

// notePath applies git's default notes fanout: the first two hex characters
// of the target SHA become a directory, the rest the filename, so the notes
// tree never holds more than 256 entries at its root.
func notePath(targetSHA string) (dir, file string) {
	return targetSHA[:2], targetSHA[2:]
}

// readNotesTree returns the flattened entries of the current refs/notes/ai
// tree (path -> blob hash) and the commit hash the ref currently points at
// (plumbing.ZeroHash if the ref doesn't exist yet).
func readNotesTree(repo *git.Repository) (map[string]plumbing.Hash, plumbing.Hash, error) {
	ref, err := repo.Reference(plumbing.ReferenceName(paths.NotesRef), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return map[string]plumbing.Hash{}, plumbing.ZeroHash, nil
	}
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("gitutil: resolve %s: %w", paths.NotesRef, err)
	}

	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("gitutil: notes commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("gitutil: notes tree: %w", err)
	}

	entries := map[string]plumbing.Hash{}
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()
	for {
		name, entry, err := walker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, plumbing.ZeroHash, fmt.Errorf("gitutil: walk notes tree: %w", err)
		}
		if entry.Mode == filemode.Dir {
			continue
		}
		entries[name] = entry.Hash
	}
	return entries, ref.Hash(), nil
}

// ReadNote returns the raw note content for targetSHA, or ErrNoteNotFound.
func ReadNote(repo *git.Repository, targetSHA string) ([]byte, error) {
	entries, _, err := readNotesTree(repo)
	if err != nil {
		return nil, err
	}
	dir, file := notePath(targetSHA)
	hash, ok := entries[dir+"/"+file]
	if !ok {
		return nil, ErrNoteNotFound
	}
	blob, err := repo.BlobObject(hash)
	if err != nil {
		return nil, fmt.Errorf("gitutil: read note blob: %w", err)
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("gitutil: note blob reader: %w", err)
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("gitutil: read note contents: %w", err)
	}
	return buf.Bytes(), nil
}

// maxCASRetries bounds how many times WriteNoteCAS re-reads the notes ref
// and retries after losing a compare-and-swap race, per spec.md §4.5's
// "at most 3 retries before surfacing a conflict to the caller".
const maxCASRetries = 3

// WriteNoteCAS attaches content as the note for targetSHA, retrying against
// concurrent writers. Each attempt reads the current notes tree, rebuilds it
// with the new/updated entry for targetSHA, creates a new notes commit on top
// of the ref's current tip, and uses CheckAndSetReference so the update only
// lands if no one else moved the ref first.
func WriteNoteCAS(repo *git.Repository, targetSHA string, content []byte) error {
	author := GetAuthor(repo)

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		entries, oldCommitHash, err := readNotesTree(repo)
		if err != nil {
			return err
		}

		blobHash, err := CreateBlob(repo, content)
		if err != nil {
			return err
		}
		dir, file := notePath(targetSHA)
		entries[dir+"/"+file] = blobHash

		newTreeHash, err := buildNotesTree(repo, entries)
		if err != nil {
			return err
		}

		now := time.Now()
		sig := object.Signature{Name: author.Name, Email: author.Email, When: now}
		commit := &object.Commit{
			Author:    sig,
			Committer: sig,
			Message:   fmt.Sprintf("Notes for %s", targetSHA),
			TreeHash:  newTreeHash,
		}
		if oldCommitHash != plumbing.ZeroHash {
			commit.ParentHashes = []plumbing.Hash{oldCommitHash}
		}

		obj := repo.Storer.NewEncodedObject()
		if err := commit.Encode(obj); err != nil {
			return fmt.Errorf("gitutil: encode notes commit: %w", err)
		}
		newCommitHash, err := repo.Storer.SetEncodedObject(obj)
		if err != nil {
			return fmt.Errorf("gitutil: store notes commit: %w", err)
		}

		refName := plumbing.ReferenceName(paths.NotesRef)
		newRef := plumbing.NewHashReference(refName, newCommitHash)

		var oldRef *plumbing.Reference
		if oldCommitHash != plumbing.ZeroHash {
			oldRef = plumbing.NewHashReference(refName, oldCommitHash)
		} else {
			oldRef = plumbing.NewHashReference(refName, plumbing.ZeroHash)
		}

		if err := repo.Storer.CheckAndSetReference(newRef, oldRef); err != nil {
			continue // lost the race: someone else moved the ref, retry
		}
		return nil
	}
	return ErrCASConflict
}

// buildNotesTree builds the two-level fanout tree (<prefix>/<rest> -> blob)
// that refs/notes/ai's commit points at.
func buildNotesTree(repo *git.Repository, entries map[string]plumbing.Hash) (plumbing.Hash, error) {
	byDir := map[string][]object.TreeEntry{}
	for path, hash := range entries {
		dir, file := splitNotePath(path)
		byDir[dir] = append(byDir[dir], object.TreeEntry{Name: file, Mode: filemode.Regular, Hash: hash})
	}

	var rootEntries []object.TreeEntry
	for dir, files := range byDir {
		subTree := &object.Tree{Entries: files}
		obj := repo.Storer.NewEncodedObject()
		if err := subTree.Encode(obj); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("gitutil: encode notes subtree %s: %w", dir, err)
		}
		hash, err := repo.Storer.SetEncodedObject(obj)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("gitutil: store notes subtree %s: %w", dir, err)
		}
		rootEntries = append(rootEntries, object.TreeEntry{Name: dir, Mode: filemode.Dir, Hash: hash})
	}

	root := &object.Tree{Entries: rootEntries}
	obj := repo.Storer.NewEncodedObject()
	if err := root.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("gitutil: encode notes root tree: %w", err)
	}
	return repo.Storer.SetEncodedObject(obj)
}

func splitNotePath(path string) (dir, file string) {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return "", path
}
