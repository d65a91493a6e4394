package hsm

import "revflow/internal/model"

var sessionTransitions = map[model.SessionPhase]map[model.SessionPhase]bool{
	model.SessionPhaseIdle: {
		model.SessionPhaseLocalReview: true,
		model.SessionPhaseAborted:     true,
	},
	model.SessionPhaseLocalReview: {
		model.SessionPhaseTriggered: true,
		model.SessionPhaseMerging:   true,
		model.SessionPhaseBlocked:   true,
		model.SessionPhaseAborted:   true,
	},
	model.SessionPhaseTriggered: {
		model.SessionPhasePolling: true,
		model.SessionPhaseAborted: true,
	},
	model.SessionPhasePolling: {
		model.SessionPhaseClassifying: true,
		model.SessionPhaseLocalReview: true,
		model.SessionPhaseMerging:     true,
		model.SessionPhaseAborted:     true,
	},
	model.SessionPhaseClassifying: {
		model.SessionPhaseArbitrating: true,
		model.SessionPhaseFixing:      true,
		model.SessionPhaseMerging:     true,
		model.SessionPhaseAborted:     true,
	},
	model.SessionPhaseArbitrating: {
		model.SessionPhaseFixing:  true,
		model.SessionPhaseMerging: true,
		model.SessionPhaseAborted: true,
	},
	model.SessionPhaseFixing: {
		model.SessionPhaseTriggered: true,
		model.SessionPhaseAborted:   true,
	},
	model.SessionPhaseMerging: {
		model.SessionPhaseRewriting: true,
		model.SessionPhaseMerged:    true,
		model.SessionPhaseBlocked:   true,
		model.SessionPhaseAborted:   true,
	},
	model.SessionPhaseRewriting: {
		model.SessionPhaseTriggered: true,
		model.SessionPhaseMerging:   true,
		model.SessionPhaseAborted:   true,
	},
}

// classificationTransitions is forward-only: a comment is never reclassified
// backward, and terminal classifications have no outgoing edges.
var classificationTransitions = map[model.Classification]map[model.Classification]bool{
	model.ClassificationUnclassified: {
		model.ClassificationFixed:     true,
		model.ClassificationDisputed:  true,
		model.ClassificationConfirmed: true,
		model.ClassificationStale:     true,
	},
	model.ClassificationDisputed: {
		model.ClassificationStale:     true,
		model.ClassificationDismissed: true,
		model.ClassificationConfirmed: true,
	},
	model.ClassificationConfirmed: {
		model.ClassificationStale:    true,
		model.ClassificationResolved: true,
	},
}

func CanTransitionSession(from model.SessionPhase, to model.SessionPhase) bool {
	if from == to {
		return true
	}
	return sessionTransitions[from][to]
}

func CanReclassify(from model.Classification, to model.Classification) bool {
	if from == to {
		return true
	}
	return classificationTransitions[from][to]
}
