// Package editor implements the Editor Tool (spec.md §4.3): the only path
// through which Cage mutates a repository's working tree. Every write goes
// through selector resolution (pkg/selector), a cooperative lock (pkg/lockmgr)
// and an atomic write-to-temp-then-rename, and returns a unified diff plus
// SHA-256 pre/post hashes so a caller can detect and retry on a stale read.
package editor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cagehq/cage/pkg/cageerr"
	"github.com/cagehq/cage/pkg/constants"
	"github.com/cagehq/cage/pkg/lockmgr"
	"github.com/cagehq/cage/pkg/logger"
	"github.com/cagehq/cage/pkg/selector"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
)

var log = logger.New("editor")

// Operation is one of the four mutation kinds named in spec.md §3.
type Operation string

const (
	OpGet    Operation = "GET"
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Payload carries the content and optimistic-concurrency controls for a
// mutating operation.
type Payload struct {
	Content  string
	PreHash  string
	KeepLock bool
}

// FileOperation is a single request to the Editor Tool.
type FileOperation struct {
	Operation     Operation
	Path          string
	Selector      selector.Selector
	Payload       *Payload
	Intent        string
	DryRun        bool
	Author        string
	CorrelationID string
}

// FileOperationResult is returned for every operation, successful or not.
type FileOperationResult struct {
	OK        bool
	Path      string
	Operation Operation
	LockID    string
	PreHash   string
	PostHash  string
	Diff      string
	Warnings  []string
	Conflicts []string
	Error     *cageerr.Error
}

// ChangelogAppender lets the Editor Tool attribute a mutation to a task's
// append-only changelog without importing the Task Store directly.
type ChangelogAppender interface {
	AppendChangelog(taskID, text string, lockID string) error
}

// Editor is the single, shared entry point for repository mutation. All of
// its operations are scoped to repoRoot; paths that would escape it are
// rejected before any I/O happens.
type Editor struct {
	repoRoot  string
	locks     *lockmgr.Manager
	changelog ChangelogAppender
}

// New creates an Editor rooted at repoRoot, guarded by locks.
func New(repoRoot string, locks *lockmgr.Manager) *Editor {
	return &Editor{repoRoot: repoRoot, locks: locks}
}

// WithChangelog attaches a changelog appender (typically the Task Store) and
// returns the same Editor for chaining.
func (e *Editor) WithChangelog(c ChangelogAppender) *Editor {
	e.changelog = c
	return e
}

// Execute runs op end to end per spec.md §4.3's ordered steps.
func (e *Editor) Execute(op FileOperation) *FileOperationResult {
	result := &FileOperationResult{Path: op.Path, Operation: op.Operation}

	absPath, err := e.resolvePath(op.Path)
	if err != nil {
		return fail(result, err)
	}

	data, existed, err := readFile(absPath)
	if err != nil {
		return fail(result, cageerr.New(cageerr.IOError, "reading file: "+err.Error()))
	}
	if op.Operation == OpGet && !existed {
		return fail(result, cageerr.New(cageerr.NotFound, "file does not exist: "+op.Path))
	}

	preHash := hash(data)
	result.PreHash = preHash

	forInsert := op.Operation == OpInsert
	spans, err := selector.Resolve(data, op.Selector, forInsert)
	if err != nil {
		return fail(result, err)
	}

	mutating := op.Operation != OpGet
	var lockID string
	if mutating && !op.DryRun {
		lockID, err = e.acquireLock(op, spans)
		if err != nil {
			return fail(result, err)
		}
		result.LockID = lockID
		defer func() {
			if lockID != "" && !(op.Payload != nil && op.Payload.KeepLock) {
				if relErr := e.locks.Release(lockID); relErr != nil {
					log.Warnf("releasing lock %s: %v", lockID, relErr)
				}
				result.LockID = ""
			}
		}()
	}

	if op.Payload != nil && op.Payload.PreHash != "" && op.Payload.PreHash != preHash {
		return fail(result, cageerr.New(cageerr.StalePreimage, "file changed since read").WithPreHash(preHash))
	}

	newData, diffText, err := apply(op, data, spans)
	if err != nil {
		return fail(result, err)
	}

	if mutating && !op.DryRun {
		if err := writeAtomic(absPath, newData, newData == nil); err != nil {
			return fail(result, cageerr.New(cageerr.IOError, "writing file: "+err.Error()))
		}
	}

	result.OK = true
	if op.DryRun {
		result.PostHash = preHash
	} else {
		result.PostHash = hash(newData)
	}
	result.Diff = diffText

	if mutating && !op.DryRun && e.changelog != nil && op.CorrelationID != "" {
		text := fmt.Sprintf("%s %s by %s: %s", op.Operation, op.Path, op.Author, op.Intent)
		if err := e.changelog.AppendChangelog(op.CorrelationID, text, result.LockID); err != nil {
			log.Warnf("appending changelog for task %s: %v", op.CorrelationID, err)
			result.Warnings = append(result.Warnings, "changelog not updated: "+err.Error())
		}
	}

	return result
}

func fail(result *FileOperationResult, err error) *FileOperationResult {
	result.OK = false
	if ce, ok := err.(*cageerr.Error); ok {
		result.Error = ce
	} else {
		result.Error = cageerr.New(cageerr.IOError, err.Error())
	}
	return result
}

// resolvePath rejects any path escaping repoRoot and joins it under repoRoot.
func (e *Editor) resolvePath(rel string) (string, error) {
	if rel == "" {
		return "", cageerr.New(cageerr.PathEscape, "empty path")
	}
	cleaned := filepath.Clean(rel)
	if filepath.IsAbs(cleaned) {
		return "", cageerr.New(cageerr.PathEscape, "path must be relative to the repository root")
	}
	joined := filepath.Join(e.repoRoot, cleaned)
	rootWithSep := e.repoRoot + string(filepath.Separator)
	if joined != e.repoRoot && !strings.HasPrefix(joined, rootWithSep) {
		return "", cageerr.New(cageerr.PathEscape, "path escapes repository root: "+rel)
	}
	return joined, nil
}

func readFile(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (e *Editor) acquireLock(op FileOperation, spans []selector.Span) (string, error) {
	ranges := spansToRanges(op.Selector, spans)
	lock, err := e.locks.Acquire(op.Path, op.Author, ranges, constants.DefaultLockTTL, op.Intent)
	if err != nil {
		return "", err
	}
	return lock.ID, nil
}

// spansToRanges converts resolved byte spans back into line ranges for the
// Lock Manager. A regex selector (or no selector) always locks the whole
// file, since byte spans don't map cleanly to the lock manager's line-range
// model across arbitrary matches.
func spansToRanges(sel selector.Selector, spans []selector.Span) []lockmgr.Range {
	switch s := sel.(type) {
	case selector.Region:
		end := s.End
		return []lockmgr.Range{{StartLine: s.Start, EndLine: end}}
	default:
		_ = spans
		return nil // whole-file lock
	}
}

// apply produces the post-operation bytes and a unified diff. Spans are
// processed in reverse document order so earlier offsets remain valid.
func apply(op FileOperation, data []byte, spans []selector.Span) ([]byte, string, error) {
	switch op.Operation {
	case OpGet:
		return data, selectedText(data, spans), nil
	case OpInsert:
		return mutateDiff(op.Path, data, applyInsert(data, spans, payloadContent(op.Payload)))
	case OpUpdate:
		return mutateDiff(op.Path, data, applyUpdate(op, data, spans))
	case OpDelete:
		return mutateDiff(op.Path, data, applyDelete(op, data, spans))
	default:
		return nil, "", cageerr.New(cageerr.SelectorInvalid, "unknown operation: "+string(op.Operation))
	}
}

func payloadContent(p *Payload) string {
	if p == nil {
		return ""
	}
	return p.Content
}

func selectedText(data []byte, spans []selector.Span) string {
	var sb strings.Builder
	for _, s := range spans {
		sb.Write(data[s.Start:s.End])
	}
	return sb.String()
}

func sortedDescending(spans []selector.Span) []selector.Span {
	out := append([]selector.Span{}, spans...)
	sort.Slice(out, func(i, j int) bool { return out[i].Start > out[j].Start })
	return out
}

func applyInsert(data []byte, spans []selector.Span, content string) []byte {
	out := append([]byte{}, data...)
	for _, s := range sortedDescending(spans) {
		out = spliceBytes(out, s.Start, s.Start, []byte(content))
	}
	return out
}

func applyUpdate(op FileOperation, data []byte, spans []selector.Span) []byte {
	out := append([]byte{}, data...)
	for _, s := range sortedDescending(spans) {
		repl := replacementFor(op, data[s.Start:s.End])
		out = spliceBytes(out, s.Start, s.End, []byte(repl))
	}
	return out
}

func applyDelete(op FileOperation, data []byte, spans []selector.Span) []byte {
	if op.Selector == nil {
		return nil // whole-file delete: removes the file entirely
	}
	out := append([]byte{}, data...)
	for _, s := range sortedDescending(spans) {
		out = spliceBytes(out, s.Start, s.End, nil)
	}
	return out
}

// replacementFor returns the literal payload content for a region UPDATE, or
// the regex-substituted replacement (applied to this one match) for a regex
// UPDATE.
func replacementFor(op FileOperation, matched []byte) string {
	content := payloadContent(op.Payload)
	if regexSel, isRegex := op.Selector.(selector.Regex); isRegex {
		replaced, err := selector.ReplaceAll(matched, regexSel, content)
		if err != nil {
			return content
		}
		return string(replaced)
	}
	return content
}

func spliceBytes(data []byte, start, end int, repl []byte) []byte {
	out := make([]byte, 0, len(data)-(end-start)+len(repl))
	out = append(out, data[:start]...)
	out = append(out, repl...)
	out = append(out, data[end:]...)
	return out
}

// mutateDiff is a thin wrapper so every mutating case computes its unified
// diff the same way. newData == nil signals whole-file deletion.
func mutateDiff(path string, before []byte, after []byte) ([]byte, string, error) {
	return after, unifiedDiff(path, before, after), nil
}

func unifiedDiff(path string, before, after []byte) string {
	if after == nil {
		return fmt.Sprintf("--- %s\n+++ /dev/null\n(file deleted)\n", path)
	}
	beforeStr, afterStr := string(before), string(after)
	if beforeStr == afterStr {
		return ""
	}
	edits := myers.ComputeEdits(span.URIFromPath(path), beforeStr, afterStr)
	unified := gotextdiff.ToUnified(path, path, beforeStr, edits)
	return fmt.Sprint(unified)
}

func hash(data []byte) string {
	if data == nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeAtomic writes data to path via write-to-temp + rename in the same
// directory (spec.md §4.3 step 7). removeInstead deletes path entirely,
// matching whole-file DELETE semantics.
func writeAtomic(path string, data []byte, removeInstead bool) error {
	if removeInstead {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".cage-tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

