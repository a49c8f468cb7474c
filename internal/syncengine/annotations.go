package syncengine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/g960059/agthub/internal/model"
)

// LinkBead associates an external work item with the session. Links are an
// observational cache: no version check and no broadcast.
func (e *Engine) LinkBead(ctx context.Context, namespace, sessionID, beadID string) (model.BeadLink, error) {
	if strings.TrimSpace(beadID) == "" {
		return model.BeadLink{}, newError(model.KindValidation, model.CodeInvalidBody, "Invalid body")
	}
	if _, err := e.resolveSession(ctx, namespace, sessionID); err != nil {
		return model.BeadLink{}, err
	}
	link, err := e.store.LinkBead(ctx, sessionID, beadID)
	if err != nil {
		return model.BeadLink{}, storeError(err, "Session")
	}
	return link, nil
}

func (e *Engine) ListBeads(ctx context.Context, namespace, sessionID string) ([]model.BeadLink, error) {
	if _, err := e.resolveSession(ctx, namespace, sessionID); err != nil {
		return nil, err
	}
	links, err := e.store.ListBeads(ctx, sessionID)
	if err != nil {
		return nil, storeError(err, "Session")
	}
	return links, nil
}

// SaveSnapshot keeps the latest payload per (session, kind).
func (e *Engine) SaveSnapshot(ctx context.Context, namespace, sessionID, kind string, payload json.RawMessage) (model.Snapshot, error) {
	if strings.TrimSpace(kind) == "" || len(payload) == 0 || !json.Valid(payload) {
		return model.Snapshot{}, newError(model.KindValidation, model.CodeInvalidBody, "Invalid body")
	}
	if _, err := e.resolveSession(ctx, namespace, sessionID); err != nil {
		return model.Snapshot{}, err
	}
	snap, err := e.store.SaveSnapshot(ctx, sessionID, kind, payload)
	if err != nil {
		return model.Snapshot{}, storeError(err, "Session")
	}
	return snap, nil
}

func (e *Engine) GetSnapshot(ctx context.Context, namespace, sessionID, kind string) (model.Snapshot, error) {
	if _, err := e.resolveSession(ctx, namespace, sessionID); err != nil {
		return model.Snapshot{}, err
	}
	snap, err := e.store.GetSnapshot(ctx, sessionID, kind)
	if err != nil {
		return model.Snapshot{}, storeError(err, "Snapshot")
	}
	return snap, nil
}
