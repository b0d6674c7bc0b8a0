package aiexecutor

import (
	"context"
	"errors"
	"testing"

	"github.com/kandev/taskforge/internal/common/logger"
	v1 "github.com/kandev/taskforge/pkg/api/v1"
)

func TestAsTaskQueueExecutorWiresFollowUps(t *testing.T) {
	client := &stubClient{output: "Create task: ship the release notes"}
	ex := New(client, logger.Default())
	fn := ex.AsTaskQueueExecutor()

	task := &v1.Task{ID: "t1", SessionID: "sess-1", Prompt: "release", Mode: v1.ModeGeneral}
	res, err := fn(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.FollowUpTasks) != 1 {
		t.Fatalf("expected 1 follow-up task, got %d", len(res.FollowUpTasks))
	}
	if res.FollowUpTasks[0].TriggeredBy == nil || *res.FollowUpTasks[0].TriggeredBy != "t1" {
		t.Errorf("expected follow-up triggeredBy=t1, got %+v", res.FollowUpTasks[0].TriggeredBy)
	}
}

type stubClient struct {
	output     string
	tokensUsed int64
	err        error
	calls      int
	lastHist   []HistoryEntry
}

func (s *stubClient) Complete(ctx context.Context, sessionID string, history []HistoryEntry, prompt string) (string, int64, error) {
	s.calls++
	s.lastHist = history
	if s.err != nil {
		return "", 0, s.err
	}
	return s.output, s.tokensUsed, nil
}

func TestExecuteSuccessAppendsHistory(t *testing.T) {
	client := &stubClient{output: "all done", tokensUsed: 42}
	ex := New(client, logger.Default())

	res, err := ex.Execute(context.Background(), ExecContext{
		TaskID:    "task-1",
		SessionID: "sess-1",
		Prompt:    "do the thing",
		Mode:      v1.ModeGeneral,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.Output != "all done" || res.TokensUsed != 42 {
		t.Fatalf("unexpected result: %+v", res)
	}

	hist := ex.snapshotHistory("sess-1")
	if len(hist) != 2 || hist[0].Role != roleUser || hist[1].Role != roleAssistant {
		t.Fatalf("expected user+assistant history, got %+v", hist)
	}

	executions, tokens := ex.Usage()
	if executions != 1 || tokens != 42 {
		t.Errorf("expected usage 1/42, got %d/%d", executions, tokens)
	}
}

func TestExecuteFailurePropagatesError(t *testing.T) {
	client := &stubClient{err: errors.New("model unavailable")}
	ex := New(client, logger.Default())

	res, err := ex.Execute(context.Background(), ExecContext{TaskID: "t", SessionID: "s", Prompt: "p"})
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Success {
		t.Error("expected Success=false on failure")
	}

	hist := ex.snapshotHistory("s")
	if len(hist) != 1 {
		t.Errorf("expected only the user turn recorded on failure, got %d entries", len(hist))
	}
}

func TestHistoryCappedAtTwentyEntries(t *testing.T) {
	client := &stubClient{output: "ack"}
	ex := New(client, logger.Default())

	for i := 0; i < 15; i++ {
		if _, err := ex.Execute(context.Background(), ExecContext{TaskID: "t", SessionID: "s", Prompt: "p"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	hist := ex.snapshotHistory("s")
	if len(hist) != maxHistoryEntries {
		t.Errorf("expected history capped at %d, got %d", maxHistoryEntries, len(hist))
	}
}

func TestExtractFollowUpsRecognizesAllPrefixes(t *testing.T) {
	output := "Next step: write the migration script\nFollow-up: notify the team.\nThen: run tests\nCreate task: deploy to staging\nok"
	specs := extractFollowUps(output, ExecContext{TaskID: "t1", SessionID: "sess-1", Mode: v1.ModeCoder})

	if len(specs) != 4 {
		t.Fatalf("expected 4 follow-up specs, got %d: %+v", len(specs), specs)
	}
	for _, spec := range specs {
		if spec.SessionID != "sess-1" || spec.Mode != v1.ModeCoder || spec.Priority != v1.PriorityNormal {
			t.Errorf("unexpected spec fields: %+v", spec)
		}
		if spec.TriggeredBy == nil || *spec.TriggeredBy != "t1" {
			t.Errorf("expected triggeredBy=t1, got %+v", spec.TriggeredBy)
		}
	}
}

func TestExtractFollowUpsSkipsShortCaptures(t *testing.T) {
	specs := extractFollowUps("Then: ok", ExecContext{TaskID: "t1", SessionID: "s"})
	if len(specs) != 0 {
		t.Errorf("expected short capture to be filtered out, got %+v", specs)
	}
}

func TestExtractFollowUpsNoMatchReturnsNil(t *testing.T) {
	specs := extractFollowUps("nothing interesting here", ExecContext{TaskID: "t1", SessionID: "s"})
	if specs != nil {
		t.Errorf("expected nil, got %+v", specs)
	}
}

func TestClearHistory(t *testing.T) {
	client := &stubClient{output: "ack"}
	ex := New(client, logger.Default())
	_, _ = ex.Execute(context.Background(), ExecContext{TaskID: "t", SessionID: "s", Prompt: "p"})

	ex.ClearHistory("s")
	if hist := ex.snapshotHistory("s"); len(hist) != 0 {
		t.Errorf("expected history cleared, got %+v", hist)
	}
}
