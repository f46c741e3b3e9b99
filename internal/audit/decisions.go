// Package audit writes decision records for the policy choices a build
// session makes: mode downgrades, host exclusions, retries and give-ups.
package audit

import (
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/fentz26/ninjateam/internal/logging"
	"github.com/fentz26/ninjateam/internal/models"
	"github.com/fentz26/ninjateam/internal/store"
)

// Decision actions.
const (
	ActionModeDowngrade = "mode.downgrade"
	ActionHostExclude   = "host.exclude"
	ActionUnitRetry     = "unit.retry"
	ActionUnitGiveUp    = "unit.give_up"
	ActionBuildAbort    = "build.abort"
)

// DecisionWriter persists decision records and mirrors them to the log.
type DecisionWriter struct {
	store  *store.Store
	logger *slog.Logger
}

// NewDecisionWriter creates a decision writer. A nil store only logs.
func NewDecisionWriter(s *store.Store, logger *slog.Logger) *DecisionWriter {
	return &DecisionWriter{store: s, logger: logging.OrDiscard(logger)}
}

// Record writes a decision for sessionID. inputs is hashed so the decision
// can be matched against the state that produced it.
func (w *DecisionWriter) Record(sessionID, action string, inputs interface{}, outcome, details string) (*models.DecisionRecord, error) {
	inputsHash := HashInputs(inputs)
	w.logger.Warn("policy decision",
		"session", sessionID,
		"action", action,
		"outcome", outcome,
		"reason", details,
	)
	if w.store == nil {
		return &models.DecisionRecord{SessionID: sessionID, Action: action, InputsHash: inputsHash, Outcome: outcome, Details: details}, nil
	}
	return w.store.WriteDecision(sessionID, action, inputsHash, outcome, details)
}

// HashInputs returns a stable hex digest of the JSON form of inputs.
func HashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
