// Package aiexecutor runs a task's prompt through a model, keeps a rolling
// per-session conversation history, and recognizes follow-up task
// suggestions in the model's output.
package aiexecutor

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/apperr"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/common/stringutil"
	"github.com/kandev/taskforge/internal/taskqueue"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

const (
	maxHistoryEntries = 20 // 10 user+assistant pairs
	minFollowUpLength = 5
	roleUser          = "user"
	roleAssistant     = "assistant"
	logPromptMaxLen   = 200
)

// HistoryEntry is one turn of a session's conversation.
type HistoryEntry struct {
	Role    string
	Content string
}

// ExecContext is the input to a single execution.
type ExecContext struct {
	TaskID    string
	SessionID string
	Prompt    string
	Mode      v1.TaskMode
	Metadata  map[string]any
}

// Result is the outcome of a single execution.
type Result struct {
	Success       bool
	Output        string
	TokensUsed    int64
	FollowUpTasks []v1.TaskSpec
	Error         error
}

// ModelClient is the model-calling dependency the Executor drives. A real
// deployment wires this to whichever model provider is configured; tests
// and local runs can supply a stub.
type ModelClient interface {
	Complete(ctx context.Context, sessionID string, history []HistoryEntry, prompt string) (output string, tokensUsed int64, err error)
}

// followUpPattern matches the four recognized prefixes, case-insensitively,
// capturing everything up to the next newline or period.
var followUpPattern = regexp.MustCompile(`(?i)(?:next step|follow-up|then|create task):\s*([^\n.]+)`)

// Executor holds the rolling conversation state and usage counters for all
// sessions it has executed.
type Executor struct {
	client ModelClient
	logger *logger.Logger

	historyMu sync.Mutex
	history   map[string][]HistoryEntry

	executions int64 // atomic
	tokens     int64 // atomic
}

// New wires an Executor around a model client.
func New(client ModelClient, log *logger.Logger) *Executor {
	return &Executor{
		client:  client,
		logger:  log.WithFields(zap.String("component", "aiexecutor")),
		history: make(map[string][]HistoryEntry),
	}
}

// Execute runs one task's prompt through the model client, updates the
// session's rolling history, and extracts any follow-up task suggestions
// from a successful response.
func (e *Executor) Execute(ctx context.Context, execCtx ExecContext) (*Result, error) {
	if e.client == nil {
		err := apperr.ExecutorErrorf(nil, "no model client configured")
		return &Result{Success: false, Error: err}, err
	}

	e.appendHistory(execCtx.SessionID, HistoryEntry{Role: roleUser, Content: execCtx.Prompt})

	history := e.snapshotHistory(execCtx.SessionID)
	output, tokensUsed, err := e.client.Complete(ctx, execCtx.SessionID, history, execCtx.Prompt)

	atomic.AddInt64(&e.executions, 1)
	atomic.AddInt64(&e.tokens, tokensUsed)

	if err != nil {
		wrapped := apperr.ExecutorErrorf(err, "model call failed for task %s", execCtx.TaskID)
		e.logger.Warn("model call failed",
			zap.String("task_id", execCtx.TaskID),
			zap.String("prompt", stringutil.TruncateStringWithEllipsis(execCtx.Prompt, logPromptMaxLen)),
			zap.Error(err))
		return &Result{Success: false, TokensUsed: tokensUsed, Error: wrapped}, wrapped
	}

	e.appendHistory(execCtx.SessionID, HistoryEntry{Role: roleAssistant, Content: output})

	followUps := extractFollowUps(output, execCtx)

	return &Result{
		Success:       true,
		Output:        output,
		TokensUsed:    tokensUsed,
		FollowUpTasks: followUps,
	}, nil
}

// AsTaskQueueExecutor adapts the Executor to the Task Queue's ExecutorFunc
// contract, translating between the two packages' context/result shapes.
func (e *Executor) AsTaskQueueExecutor() taskqueue.ExecutorFunc {
	return func(ctx context.Context, task *v1.Task) (*taskqueue.ExecResult, error) {
		res, err := e.Execute(ctx, ExecContext{
			TaskID:    task.ID,
			SessionID: task.SessionID,
			Prompt:    task.Prompt,
			Mode:      task.Mode,
			Metadata:  task.Metadata,
		})
		if err != nil {
			return nil, err
		}
		return &taskqueue.ExecResult{
			Output:        res.Output,
			TokensUsed:    res.TokensUsed,
			FollowUpTasks: res.FollowUpTasks,
		}, nil
	}
}

// ClearHistory drops the rolling conversation for a session.
func (e *Executor) ClearHistory(sessionID string) {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	delete(e.history, sessionID)
}

// Usage returns the running totals of executions and tokens consumed,
// consulted by the Health Monitor.
func (e *Executor) Usage() (executions int64, tokensUsed int64) {
	return atomic.LoadInt64(&e.executions), atomic.LoadInt64(&e.tokens)
}

func (e *Executor) appendHistory(sessionID string, entry HistoryEntry) {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()

	entries := append(e.history[sessionID], entry)
	if len(entries) > maxHistoryEntries {
		entries = entries[len(entries)-maxHistoryEntries:]
	}
	e.history[sessionID] = entries
}

func (e *Executor) snapshotHistory(sessionID string) []HistoryEntry {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()

	entries := e.history[sessionID]
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out
}

// extractFollowUps scans output for the four recognized prefixes and turns
// each capture over the minimum length into a Partial Task spec.
func extractFollowUps(output string, execCtx ExecContext) []v1.TaskSpec {
	matches := followUpPattern.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return nil
	}

	triggeredBy := execCtx.TaskID
	specs := make([]v1.TaskSpec, 0, len(matches))
	for _, m := range matches {
		capture := strings.TrimSpace(m[1])
		if len(capture) <= minFollowUpLength {
			continue
		}
		specs = append(specs, v1.TaskSpec{
			SessionID:   execCtx.SessionID,
			Prompt:      capture,
			Mode:        execCtx.Mode,
			Priority:    v1.PriorityNormal,
			TriggeredBy: &triggeredBy,
		})
	}
	return specs
}
