package hub

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scientress/c3ds/internal/protocol"
)

func (k ExecKind) command() (string, error) {
	switch k {
	case ExecShell:
		return protocol.CmdRemoteShell, nil
	case ExecDiagnostics:
		return protocol.CmdDiagnostics, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownExecKind, string(k))
	}
}

// Exec sends req to every socket of display slug and waits for the first result, at
// most ExecTimeout.
func (h *Hub) Exec(ctx context.Context, slug string, req ExecRequest, actor string) (ExecResult, error) {
	cmd, err := req.Kind.command()
	if err != nil {
		return ExecResult{}, err
	}
	if strings.TrimSpace(req.Code) == "" {
		return ExecResult{}, ErrEmptyExecCode
	}

	id := h.nextID.Add(1)
	corr := uuid.NewString()
	p := &pendingExec{slug: slug, done: make(chan protocol.ExecResult, 1)}
	h.pendingMu.Lock()
	h.pending[id] = p
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, id)
		h.pendingMu.Unlock()
	}()

	h.audit.Log(AuditEvent{Actor: actor, DisplaySlug: slug, CorrelationID: corr, Kind: "exec_request",
		Meta: map[string]any{"id": id, "kind": string(req.Kind), "code": req.Code}})

	started := time.Now()
	n := h.broadcast(DisplayGroup(slug), cmd, protocol.ExecRequest{
		Cmd:         cmd,
		ID:          id,
		Payload:     req.Code,
		DisplaySlug: slug,
	})
	if n == 0 {
		h.finishExec(slug, req.Kind, corr, actor, "offline", nil)
		return ExecResult{}, ErrDisplayOffline
	}

	timer := time.NewTimer(h.cfg.ExecTimeout)
	defer timer.Stop()
	select {
	case res := <-p.done:
		out := ExecResult{
			CorrelationID: corr,
			DisplaySlug:   slug,
			ID:            id,
			Result:        res.Result,
			Error:         res.Error,
			PStart:        res.PStart,
			PEnd:          res.PEnd,
			DurationMS:    time.Since(started).Milliseconds(),
		}
		outcome := "ok"
		if res.Error != nil {
			outcome = "error"
		}
		h.finishExec(slug, req.Kind, corr, actor, outcome, &out)
		return out, nil
	case <-timer.C:
		h.finishExec(slug, req.Kind, corr, actor, "timeout", nil)
		return ExecResult{}, ErrExecTimeout
	case <-ctx.Done():
		h.finishExec(slug, req.Kind, corr, actor, "canceled", nil)
		return ExecResult{}, ctx.Err()
	}
}

func (h *Hub) finishExec(slug string, kind ExecKind, corr, actor, outcome string, res *ExecResult) {
	h.metrics.ExecFinished(string(kind), outcome)
	meta := map[string]any{"kind": string(kind), "outcome": outcome}
	if res != nil {
		meta["duration_ms"] = res.DurationMS
		if res.Error != nil {
			meta["error"] = *res.Error
		}
	}
	h.audit.Log(AuditEvent{Actor: actor, DisplaySlug: slug, CorrelationID: corr, Kind: "exec_result", Meta: meta})
	h.log.Info().Str("display_slug", slug).Str("correlation_id", corr).Str("outcome", outcome).Msg("remote exec finished")

	if outcome == "offline" {
		return
	}
	h.mu.Lock()
	if d, ok := h.displays[slug]; ok {
		d.LastExecMS = h.cfg.Now().UnixMilli()
	}
	h.mu.Unlock()
}

// completeExec hands a result to the waiting Exec call. Results for unknown ids or
// from another display are dropped.
func (h *Hub) completeExec(slug string, res protocol.ExecResult) {
	h.pendingMu.Lock()
	p, ok := h.pending[res.ID]
	if ok && p.slug == slug {
		delete(h.pending, res.ID)
	}
	h.pendingMu.Unlock()
	if !ok || p.slug != slug {
		h.log.Warn().Str("display_slug", slug).Int64("id", res.ID).Msg("unsolicited exec result")
		return
	}
	p.done <- res
}
