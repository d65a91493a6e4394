package hsm

import (
	"testing"

	"revflow/internal/model"
)

func TestSessionTransitions(t *testing.T) {
	if !CanTransitionSession(model.SessionPhaseIdle, model.SessionPhaseLocalReview) {
		t.Fatalf("expected idle -> local_review transition to be allowed")
	}
	if !CanTransitionSession(model.SessionPhaseFixing, model.SessionPhaseTriggered) {
		t.Fatalf("expected fixing -> triggered transition to be allowed")
	}
	if !CanTransitionSession(model.SessionPhasePolling, model.SessionPhaseLocalReview) {
		t.Fatalf("expected polling -> local_review fallback transition to be allowed")
	}
	if !CanTransitionSession(model.SessionPhaseRewriting, model.SessionPhaseTriggered) {
		t.Fatalf("expected rewriting -> triggered confirming-pass transition to be allowed")
	}
	if !CanTransitionSession(model.SessionPhaseRewriting, model.SessionPhaseMerging) {
		t.Fatalf("expected rewriting -> merging transition to be allowed after rewrite failure")
	}
	if CanTransitionSession(model.SessionPhaseIdle, model.SessionPhaseMerged) {
		t.Fatalf("expected idle -> merged transition to be disallowed")
	}
	if CanTransitionSession(model.SessionPhaseMerged, model.SessionPhaseTriggered) {
		t.Fatalf("expected merged to be terminal")
	}
	if CanTransitionSession(model.SessionPhaseAborted, model.SessionPhaseLocalReview) {
		t.Fatalf("expected aborted to be terminal")
	}
}

func TestClassificationIsForwardOnly(t *testing.T) {
	if !CanReclassify(model.ClassificationUnclassified, model.ClassificationDisputed) {
		t.Fatalf("expected unclassified -> disputed to be allowed")
	}
	if !CanReclassify(model.ClassificationDisputed, model.ClassificationDismissed) {
		t.Fatalf("expected disputed -> dismissed to be allowed")
	}
	if !CanReclassify(model.ClassificationConfirmed, model.ClassificationResolved) {
		t.Fatalf("expected confirmed -> resolved to be allowed")
	}
	if !CanReclassify(model.ClassificationConfirmed, model.ClassificationStale) {
		t.Fatalf("expected confirmed -> stale to be allowed")
	}
	if CanReclassify(model.ClassificationFixed, model.ClassificationConfirmed) {
		t.Fatalf("expected fixed -> confirmed backward reclassification to be disallowed")
	}
	if CanReclassify(model.ClassificationDismissed, model.ClassificationDisputed) {
		t.Fatalf("expected dismissed -> disputed backward reclassification to be disallowed")
	}
	if CanReclassify(model.ClassificationResolved, model.ClassificationConfirmed) {
		t.Fatalf("expected resolved to be terminal")
	}
}

func TestTerminalClassifications(t *testing.T) {
	terminal := []model.Classification{
		model.ClassificationFixed,
		model.ClassificationStale,
		model.ClassificationDismissed,
		model.ClassificationResolved,
	}
	for _, c := range terminal {
		if !c.IsTerminal() {
			t.Fatalf("expected %s to be terminal", c)
		}
	}
	if model.ClassificationConfirmed.IsTerminal() {
		t.Fatalf("expected confirmed to be non-terminal")
	}
	if model.ClassificationDisputed.IsTerminal() {
		t.Fatalf("expected disputed to be non-terminal")
	}
}
