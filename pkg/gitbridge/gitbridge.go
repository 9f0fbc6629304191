// Package gitbridge implements the Git Bridge (spec.md §4.5): the only
// component that shells out to git. Every invocation passes an explicit
// argv slice to exec.Command, scoped to the bridge's repository with
// "-C <repoRoot>" — callers never build a shell string, so there is no
// injection surface regardless of what a task title or branch name contains.
package gitbridge

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cagehq/cage/pkg/cageerr"
	"github.com/cagehq/cage/pkg/logger"
	"github.com/cagehq/cage/pkg/taskstore"
)

var log = logger.New("gitbridge")

// ProvenanceAppender lets Commit record commit_meta on the originating task
// without the Git Bridge depending on the Task Store's full surface.
type ProvenanceAppender interface {
	AppendCommit(taskID string, meta taskstore.CommitMeta) (*taskstore.Task, error)
}

// Bridge is a Git Bridge scoped to one working tree.
type Bridge struct {
	repoRoot   string
	provenance ProvenanceAppender
}

// New creates a Bridge rooted at repoRoot. repoRoot must already be a git
// working tree; operations surface whatever git itself reports otherwise.
func New(repoRoot string) *Bridge {
	return &Bridge{repoRoot: repoRoot}
}

// WithProvenance attaches the Task Store used to record commit_meta and
// returns the same Bridge for chaining.
func (b *Bridge) WithProvenance(p ProvenanceAppender) *Bridge {
	b.provenance = p
	return b
}

func (b *Bridge) git(args ...string) (string, error) {
	full := append([]string{"-C", b.repoRoot}, args...)
	cmd := exec.Command("git", full...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Warnf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		return string(out), err
	}
	return string(out), nil
}

// Status is the working tree summary returned by status().
type Status struct {
	Branch    string
	Staged    []string
	Unstaged  []string
	Untracked []string
	Ahead     int
	Behind    int
}

var aheadBehindPattern = regexp.MustCompile(`ahead (\d+)|behind (\d+)`)

// Status reports the branch name, ahead/behind counts and per-file state.
func (b *Bridge) Status() (*Status, error) {
	out, err := b.git("status", "--porcelain=v1", "--branch")
	if err != nil {
		return nil, cageerr.New(cageerr.GitConflict, "git status failed: "+strings.TrimSpace(out))
	}

	st := &Status{}
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if line == "" {
			continue
		}
		if i == 0 && strings.HasPrefix(line, "## ") {
			st.Branch, st.Ahead, st.Behind = parseBranchLine(line)
			continue
		}
		if len(line) < 3 {
			continue
		}
		x, y, path := line[0], line[1], strings.TrimSpace(line[3:])
		switch {
		case x == '?' && y == '?':
			st.Untracked = append(st.Untracked, path)
		default:
			if x != ' ' {
				st.Staged = append(st.Staged, path)
			}
			if y != ' ' {
				st.Unstaged = append(st.Unstaged, path)
			}
		}
	}
	return st, nil
}

func parseBranchLine(line string) (branch string, ahead, behind int) {
	body := strings.TrimPrefix(line, "## ")
	branch = body
	if idx := strings.Index(body, "..."); idx >= 0 {
		branch = body[:idx]
	} else if idx := strings.Index(body, " ["); idx >= 0 {
		branch = body[:idx]
	}
	for _, m := range aheadBehindPattern.FindAllStringSubmatch(body, -1) {
		if m[1] != "" {
			ahead, _ = strconv.Atoi(m[1])
		}
		if m[2] != "" {
			behind, _ = strconv.Atoi(m[2])
		}
	}
	return branch, ahead, behind
}

// CreateBranch creates name, optionally forking from an existing ref, and
// switches to it.
func (b *Bridge) CreateBranch(name, from string) error {
	args := []string{"checkout", "-b", name}
	if from != "" {
		args = append(args, from)
	}
	if out, err := b.git(args...); err != nil {
		return cageerr.New(cageerr.GitConflict, "create_branch failed: "+strings.TrimSpace(out))
	}
	return nil
}

var shortstatPattern = regexp.MustCompile(`(\d+) files? changed(?:, (\d+) insertions?\(\+\))?(?:, (\d+) deletions?\(-\))?`)

// Commit stages any outstanding changes (auto-staging if the index is empty
// but the tree is dirty, per spec.md §4.5), commits, and records commit_meta
// on taskID's provenance if a ProvenanceAppender is attached.
func (b *Bridge) Commit(message, taskID, author string, coauthors []string) (*taskstore.CommitMeta, error) {
	st, err := b.Status()
	if err != nil {
		return nil, err
	}
	if len(st.Staged) == 0 {
		if len(st.Unstaged) == 0 && len(st.Untracked) == 0 {
			return nil, cageerr.New(cageerr.GitConflict, "nothing to commit: working tree clean")
		}
		if out, err := b.git("add", "--all"); err != nil {
			return nil, cageerr.New(cageerr.GitConflict, "auto-stage failed: "+strings.TrimSpace(out))
		}
		st, err = b.Status()
		if err != nil {
			return nil, err
		}
		if len(st.Staged) == 0 {
			return nil, cageerr.New(cageerr.GitConflict, "nothing to commit after auto-stage")
		}
	}

	fullMessage := buildCommitMessage(message, author, coauthors)
	if out, err := b.git("commit", "-m", fullMessage); err != nil {
		return nil, cageerr.New(cageerr.GitConflict, "commit failed: "+strings.TrimSpace(out))
	}

	sha, err := b.git("rev-parse", "HEAD")
	if err != nil {
		return nil, cageerr.New(cageerr.GitConflict, "rev-parse failed after commit")
	}
	stat, err := b.git("show", "--stat", "--format=", "HEAD")
	if err != nil {
		return nil, cageerr.New(cageerr.GitConflict, "show --stat failed after commit")
	}

	meta := taskstore.CommitMeta{
		SHA:       strings.TrimSpace(sha),
		Title:     firstLine(message),
		Timestamp: time.Now(),
	}
	meta.FilesChanged, meta.Insertions, meta.Deletions = parseShortstat(stat)

	if b.provenance != nil && taskID != "" {
		if _, err := b.provenance.AppendCommit(taskID, meta); err != nil {
			log.Warnf("recording commit provenance for task %s: %v", taskID, err)
		}
	}
	return &meta, nil
}

func buildCommitMessage(message, author string, coauthors []string) string {
	var sb strings.Builder
	sb.WriteString(message)
	if len(coauthors) > 0 {
		sb.WriteString("\n\n")
		for i, c := range coauthors {
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString("Co-authored-by: " + c)
		}
	}
	return sb.String()
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func parseShortstat(stat string) (files, insertions, deletions int) {
	m := shortstatPattern.FindStringSubmatch(stat)
	if m == nil {
		return 0, 0, 0
	}
	files, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		insertions, _ = strconv.Atoi(m[2])
	}
	if m[3] != "" {
		deletions, _ = strconv.Atoi(m[3])
	}
	return files, insertions, deletions
}

// Push pushes branch to remote, creating the upstream tracking ref.
func (b *Bridge) Push(remote, branch string) error {
	if out, err := b.git("push", "-u", remote, branch); err != nil {
		return cageerr.New(cageerr.GitConflict, "push failed: "+strings.TrimSpace(out))
	}
	return nil
}

// Pull fetches and merges branch from remote.
func (b *Bridge) Pull(remote, branch string) error {
	if out, err := b.git("pull", remote, branch); err != nil {
		return cageerr.New(cageerr.GitConflict, "pull failed: "+strings.TrimSpace(out))
	}
	return nil
}

// MergeResult reports what a merge did.
type MergeResult struct {
	FastForward bool
	Conflicts   []string
}

// Merge merges source into target: fast-forward when possible, otherwise a
// merge commit titled "Merge <source> into <target>". Conflicts abort the
// merge and leave no partial state on disk.
func (b *Bridge) Merge(source, target string) (*MergeResult, error) {
	if out, err := b.git("checkout", target); err != nil {
		return nil, cageerr.New(cageerr.GitConflict, "checkout target failed: "+strings.TrimSpace(out))
	}

	if _, err := b.git("merge", "--ff-only", source); err == nil {
		return &MergeResult{FastForward: true}, nil
	}

	title := fmt.Sprintf("Merge %s into %s", source, target)
	if _, err := b.git("merge", "--no-ff", "-m", title, source); err != nil {
		conflicted, _ := b.git("diff", "--name-only", "--diff-filter=U")
		paths := splitNonEmpty(conflicted)
		if _, abortErr := b.git("merge", "--abort"); abortErr != nil {
			log.Warnf("merge --abort after conflict: %v", abortErr)
		}
		return &MergeResult{Conflicts: paths}, cageerr.New(cageerr.GitConflict, "merge conflict").WithRetry(0)
	}
	return &MergeResult{FastForward: false}, nil
}

// History returns up to limit commits on HEAD, most recent first.
func (b *Bridge) History(limit int) ([]taskstore.CommitMeta, error) {
	out, err := b.git("log", "-n", strconv.Itoa(limit), "--pretty=format:%H%x1f%s%x1f%aI")
	if err != nil {
		return nil, cageerr.New(cageerr.GitConflict, "log failed: "+strings.TrimSpace(out))
	}
	var commits []taskstore.CommitMeta
	for _, line := range splitNonEmpty(out) {
		parts := strings.Split(line, "\x1f")
		if len(parts) != 3 {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, parts[2])
		commits = append(commits, taskstore.CommitMeta{SHA: parts[0], Title: parts[1], Timestamp: ts})
	}
	return commits, nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
