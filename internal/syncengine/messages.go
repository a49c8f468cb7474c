package syncengine

import (
	"context"
	"encoding/json"

	"goa.design/clue/log"

	"github.com/g960059/agthub/internal/api"
	"github.com/g960059/agthub/internal/model"
)

// Message senders recorded in meta.sentFrom.
const (
	SentFromWeb   = "webapp"
	SentFromSpawn = "spawn"
)

// UserTextContent builds the stored content of a user-typed message.
func UserTextContent(text, sentFrom string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"role": "user",
		"content": map[string]any{
			"type": "text",
			"text": text,
		},
		"meta": map[string]any{
			"sentFrom": sentFrom,
		},
	})
	return raw
}

// AddMessage appends content to the session log. A repeated localID
// returns the stored message and publishes nothing.
func (e *Engine) AddMessage(ctx context.Context, namespace, sessionID string, content json.RawMessage, localID string) (model.Message, bool, error) {
	if _, err := e.resolveSession(ctx, namespace, sessionID); err != nil {
		return model.Message{}, false, err
	}
	return e.appendMessage(ctx, namespace, sessionID, content, localID)
}

type appendResult struct {
	Message model.Message
	Created bool
}

func (e *Engine) appendMessage(ctx context.Context, namespace, sessionID string, content json.RawMessage, localID string) (model.Message, bool, error) {
	unlock := e.lockSession(sessionID)
	defer unlock()

	out, err := e.planAppend(ctx, namespace, sessionID, content, localID)
	res, err := commit(ctx, e, out, err)
	return res.Message, res.Created, err
}

func (e *Engine) planAppend(ctx context.Context, namespace, sessionID string, content json.RawMessage, localID string) (Outcome[appendResult], error) {
	msg, created, err := e.store.AppendMessage(ctx, sessionID, content, localID)
	if err != nil {
		return Outcome[appendResult]{}, storeError(err, "Session")
	}
	out := Outcome[appendResult]{Result: appendResult{Message: msg, Created: created}}
	if !created {
		return out, nil
	}

	if todos := ExtractTodos(msg.Content); todos != nil {
		raw, err := json.Marshal(todos)
		if err == nil {
			_, err = e.store.SetTodos(ctx, sessionID, raw, msg.CreatedAt)
		}
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "store todos"}, log.KV{K: "session", V: sessionID})
		}
	}

	wire := api.MessageFrom(msg)
	out.Effects = append(out.Effects,
		roomEffect(sessionID, api.NewMessageBody{T: api.BodyNewMessage, SID: sessionID, Message: wire}),
		namespaceEffect(api.SyncEvent{
			Type:      api.EventMessageReceived,
			Namespace: namespace,
			SessionID: sessionID,
			Message:   &wire,
		}),
	)
	if session, err := e.store.GetSession(ctx, sessionID); err == nil {
		out.Effects = append(out.Effects, namespaceEffect(e.sessionEvent(ctx, api.EventSessionUpdated, session)))
	}
	return out, nil
}

// GetMessagesAfter returns messages with seq > afterSeq, oldest first.
func (e *Engine) GetMessagesAfter(ctx context.Context, namespace, sessionID string, afterSeq int64, limit int) ([]model.Message, error) {
	if _, err := e.resolveSession(ctx, namespace, sessionID); err != nil {
		return nil, err
	}
	return e.store.ListMessagesAfter(ctx, sessionID, afterSeq, e.clampLimit(limit))
}

// MessagePage is one page of history read backwards from the newest end.
type MessagePage struct {
	Messages      []model.Message
	Limit         int
	HasMore       bool
	NextBeforeSeq *int64
}

// GetMessagesBefore returns up to limit messages older than beforeSeq
// (the newest when beforeSeq <= 0), oldest first.
func (e *Engine) GetMessagesBefore(ctx context.Context, namespace, sessionID string, beforeSeq int64, limit int) (MessagePage, error) {
	if _, err := e.resolveSession(ctx, namespace, sessionID); err != nil {
		return MessagePage{}, err
	}
	limit = e.clampLimit(limit)
	msgs, err := e.store.ListMessagesBefore(ctx, sessionID, beforeSeq, limit+1)
	if err != nil {
		return MessagePage{}, err
	}
	page := MessagePage{Messages: msgs, Limit: limit}
	if len(msgs) > limit {
		page.HasMore = true
		page.Messages = msgs[1:]
	}
	if page.HasMore && len(page.Messages) > 0 {
		next := page.Messages[0].Seq
		page.NextBeforeSeq = &next
	}
	return page, nil
}

func (e *Engine) clampLimit(limit int) int {
	if limit <= 0 || limit > e.cfg.MessagePageLimit {
		return e.cfg.MessagePageLimit
	}
	return limit
}
