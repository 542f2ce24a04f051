package cifake

import (
	"context"
	"errors"
	"testing"

	"github.com/lucasnoah/ciloop/internal/ci"
)

func TestTriggerRun_ConsumesScriptThenRepeatsLast(t *testing.T) {
	ctx := context.Background()
	c := New()
	tgt := ci.WorkflowTarget{Name: "deploy.yml", Branch: "main"}
	c.Script(tgt,
		Outcome{Conclusion: ci.ConclusionFailure, Log: "boom"},
		Outcome{Conclusion: ci.ConclusionSuccess},
	)

	want := []ci.Conclusion{ci.ConclusionFailure, ci.ConclusionSuccess, ci.ConclusionSuccess}
	for i, w := range want {
		if err := c.TriggerRun(ctx, tgt.Name, tgt.Branch); err != nil {
			t.Fatalf("trigger %d: %v", i, err)
		}
		runs, _ := c.ListRecentRuns(ctx, tgt.Name, tgt.Branch)
		if runs[0].Conclusion != w {
			t.Errorf("trigger %d: conclusion = %s, want %s", i, runs[0].Conclusion, w)
		}
	}

	runs, _ := c.ListRecentRuns(ctx, tgt.Name, tgt.Branch)
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	log, ok, _ := c.FetchRunLog(ctx, runs[2].ID)
	if !ok || log != "boom" {
		t.Errorf("oldest run log = %q (ok=%v), want boom", log, ok)
	}
	if _, ok, _ := c.FetchRunLog(ctx, runs[0].ID); ok {
		t.Error("expected no log for a run scripted without one")
	}
}

func TestTriggerRun_Unscripted(t *testing.T) {
	c := New()
	if err := c.TriggerRun(context.Background(), "a.yml", "main"); err != nil {
		t.Fatal(err)
	}
	runs, _ := c.ListRecentRuns(context.Background(), "a.yml", "main")
	if len(runs) != 1 || runs[0].Conclusion != ci.ConclusionSuccess {
		t.Errorf("unscripted run = %+v", runs)
	}
}

func TestTriggerRun_Error(t *testing.T) {
	c := New()
	tgt := ci.WorkflowTarget{Name: "a.yml", Branch: "main"}
	c.SetTriggerError(tgt, errors.New("HTTP 401"))
	if err := c.TriggerRun(context.Background(), tgt.Name, tgt.Branch); err == nil {
		t.Fatal("expected trigger error")
	}
	if len(c.Triggers()) != 0 {
		t.Error("failed trigger should not be recorded")
	}
	c.SetTriggerError(tgt, nil)
	if err := c.TriggerRun(context.Background(), tgt.Name, tgt.Branch); err != nil {
		t.Fatalf("after clearing: %v", err)
	}
}

func TestSecrets(t *testing.T) {
	c := New()
	c.SetSecret("gcp_service_account", true)
	ok, _ := c.SecretExists(context.Background(), "gcp_service_account")
	if !ok {
		t.Error("expected secret present")
	}
	ok, _ = c.SecretExists(context.Background(), "missing")
	if ok {
		t.Error("expected secret absent")
	}
}
