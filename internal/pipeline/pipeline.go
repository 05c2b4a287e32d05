package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/thobiasn/dqsentry/internal/core"
	"github.com/thobiasn/dqsentry/internal/delivery"
	"github.com/thobiasn/dqsentry/internal/ledger"
)

// Target is one configured webhook destination.
type Target struct {
	Name           string
	URL            string
	Secret         string
	Events         []core.EventType
	CooldownMinutes int
	TimeoutSeconds int
}

func (t Target) subscribesTo(e core.EventType) bool {
	for _, want := range t.Events {
		if want == e {
			return true
		}
	}
	return false
}

// Sender delivers one signed payload to one target. delivery.Client
// satisfies this; tests substitute a fake.
type Sender interface {
	Send(ctx context.Context, req delivery.Request) delivery.Result
}

// Pipeline reconciles a Decision against stored AlertState per target and
// dispatches signed payloads through a Sender, committing AlertState and
// DeliveryRecord through a Ledger.
type Pipeline struct {
	Ledger     ledger.Ledger
	Sender     Sender
	AgentID    string
	SourceType string
}

// Dispatch is the outcome of reconciling one target: the payload that was
// (or would have been) sent, and the delivery result if one was attempted.
type Dispatch struct {
	Target  string
	Event   core.EventType
	Payload WebhookPayload
	Result  *delivery.Result // nil in dry-run mode
}

// Run reconciles snapshot's Decision against every target, dispatching at
// most one payload per target. In dry-run mode it computes everything but
// never invokes Sender nor mutates AlertState.
func (p *Pipeline) Run(ctx context.Context, snapshot core.Snapshot, decision core.Decision, targets []Target, now time.Time, dryRun bool) ([]Dispatch, error) {
	var dispatches []Dispatch

	for _, target := range targets {
		prior, err := p.Ledger.GetAlertState(ctx, snapshot.Source, target.Name)
		if err != nil && err != ledger.ErrNotFound {
			return dispatches, fmt.Errorf("get alert state %s/%s: %w", snapshot.Source, target.Name, err)
		}
		hadPrior := err == nil

		event, ok := decideEvent(hadPrior, prior, decision, now)
		if !ok {
			continue
		}
		if !target.subscribesTo(event) {
			continue
		}

		payload := BuildPayload(snapshot, p.SourceType, event, decision, now, p.AgentID)
		body, err := CanonicalJSON(payload)
		if err != nil {
			return dispatches, fmt.Errorf("canonicalize payload: %w", err)
		}

		dispatch := Dispatch{Target: target.Name, Event: event, Payload: payload}

		if dryRun {
			dispatches = append(dispatches, dispatch)
			continue
		}

		var signature string
		if target.Secret != "" {
			signature = Sign(target.Secret, body)
		}
		result := p.Sender.Send(ctx, delivery.Request{
			URL:         target.URL,
			Body:        body,
			Signature:   signature,
			EventType:   string(event),
			SourceName:  snapshot.Source,
			TimeoutSecs: target.TimeoutSeconds,
		})
		dispatch.Result = &result

		newState := core.AlertState{
			Source:         snapshot.Source,
			Target:         target.Name,
			NotifiedStatus: decision.Status,
			ReasonHash:     core.ReasonHash(decision.Reasons),
			LastChangeAt:   prior.LastChangeAt,
			LastSentAt:     prior.LastSentAt,
			CooldownUntil:  prior.CooldownUntil,
		}
		if !hadPrior || prior.NotifiedStatus != decision.Status {
			newState.LastChangeAt = now
		}
		newState.LastSentAt = now
		newState.CooldownUntil = now.Add(time.Duration(target.CooldownMinutes) * time.Minute)

		// Commit AlertState regardless of delivery outcome, to prevent
		// storms: a receiver outage must not keep re-triggering deliveries
		// on every subsequent check.
		if err := p.Ledger.SetAlertState(ctx, newState); err != nil {
			return dispatches, fmt.Errorf("set alert state %s/%s: %w", snapshot.Source, target.Name, err)
		}

		rec := core.DeliveryRecord{
			Source:      snapshot.Source,
			Target:      target.Name,
			EventType:   string(event),
			PayloadHash: PayloadHash(body),
			DeliveredAt: now,
			Success:     result.Success,
			HTTPStatus:  result.HTTPStatus,
			LatencyMS:   result.LatencyMS,
			ErrorMsg:    result.ErrorMessage,
		}
		if err := p.Ledger.LogDelivery(ctx, rec); err != nil {
			return dispatches, fmt.Errorf("log delivery %s/%s: %w", snapshot.Source, target.Name, err)
		}

		if !result.Success {
			slog.Warn("webhook delivery failed", "source", snapshot.Source, "target", target.Name,
				"event", event, "error", result.ErrorMessage)
		}

		dispatches = append(dispatches, dispatch)
	}

	return dispatches, nil
}

// decideEvent applies the per-target state machine of §4.4: given whether a
// prior AlertState exists, its notified status, the current Decision, and
// cooldown/dedup rules, returns the event to emit (if any).
func decideEvent(hadPrior bool, prior core.AlertState, decision core.Decision, now time.Time) (core.EventType, bool) {
	priorStatus := core.StatusOK
	if hadPrior {
		priorStatus = prior.NotifiedStatus
	}
	current := decision.Status

	if priorStatus == current {
		// Same status: only re-alert if the reason-hash changed AND
		// cooldown has elapsed. Spec forbids re-alert inside cooldown
		// regardless of reason-hash change.
		if !hadPrior {
			return "", false
		}
		currentHash := core.ReasonHash(decision.Reasons)
		if currentHash == prior.ReasonHash {
			return "", false
		}
		if now.Before(prior.CooldownUntil) {
			return "", false
		}
		return eventForStatus(current), true
	}

	switch {
	case (priorStatus == core.StatusOK) && current == core.StatusWarning:
		return core.EventWarning, true
	case (priorStatus == core.StatusOK) && current == core.StatusAnomaly:
		return core.EventAnomaly, true
	case priorStatus == core.StatusWarning && current == core.StatusAnomaly:
		return core.EventAnomaly, true
	case priorStatus == core.StatusAnomaly && current == core.StatusWarning:
		// Still degraded; do not downgrade noisily.
		return "", false
	case priorStatus == core.StatusWarning && current == core.StatusOK:
		return core.EventRecovery, true
	case priorStatus == core.StatusAnomaly && current == core.StatusOK:
		return core.EventRecovery, true
	}
	return "", false
}

func eventForStatus(status core.Status) core.EventType {
	switch status {
	case core.StatusAnomaly:
		return core.EventAnomaly
	case core.StatusWarning:
		return core.EventWarning
	default:
		return core.EventRecovery
	}
}

// sortedReasonCodes returns the reason codes of reasons in ascending order,
// the dedup-relevant subset of a Decision without the full Reason structs.
func sortedReasonCodes(reasons []core.Reason) []string {
	codes := make([]string, len(reasons))
	for i, r := range reasons {
		codes[i] = r.Code
	}
	sort.Strings(codes)
	return codes
}
