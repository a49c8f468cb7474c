package syncengine

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Todo is one entry of an agent's todo list.
type Todo struct {
	Content  string `json:"content"`
	Priority string `json:"priority"`
	Status   string `json:"status"`
	ID       string `json:"id"`
}

type rawTodo struct {
	Content  string `json:"content"`
	Priority string `json:"priority"`
	Status   string `json:"status"`
	ID       string `json:"id"`
}

// roleRecord is an agent transcript entry: {role, content}.
type roleRecord struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type todoContent struct {
	Type string `json:"type"`
	Data struct {
		Type    string          `json:"type"`
		Name    string          `json:"name"`
		Input   json.RawMessage `json:"input"`
		Entries []rawTodo       `json:"entries"`
		Message struct {
			Content []struct {
				Type  string          `json:"type"`
				Name  string          `json:"name"`
				Input json.RawMessage `json:"input"`
			} `json:"content"`
		} `json:"message"`
	} `json:"data"`
}

// ExtractTodos finds the latest TodoWrite list or plan update in a message.
// It returns nil when the message carries none.
func ExtractTodos(content json.RawMessage) []Todo {
	record, ok := unwrapRecord(content)
	if !ok || (record.Role != "agent" && record.Role != "assistant") {
		return nil
	}
	var c todoContent
	if err := json.Unmarshal(record.Content, &c); err != nil {
		return nil
	}
	switch c.Type {
	case "output":
		if c.Data.Type != "assistant" {
			return nil
		}
		for _, block := range c.Data.Message.Content {
			if block.Type != "tool_use" || block.Name != "TodoWrite" {
				continue
			}
			if todos := todosFromInput(block.Input); todos != nil {
				return todos
			}
		}
	case "codex":
		if c.Data.Type == "tool-call" && c.Data.Name == "TodoWrite" {
			return todosFromInput(c.Data.Input)
		}
		if c.Data.Type == "plan" {
			return validTodos(c.Data.Entries, func(i int, _ rawTodo) string {
				return "plan-" + strconv.Itoa(i+1)
			})
		}
	}
	return nil
}

// unwrapRecord accepts the record itself or one nested under message,
// data.message or payload.message.
func unwrapRecord(content json.RawMessage) (roleRecord, bool) {
	var envelope struct {
		roleRecord
		Message json.RawMessage `json:"message"`
		Data    struct {
			Message json.RawMessage `json:"message"`
		} `json:"data"`
		Payload struct {
			Message json.RawMessage `json:"message"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(content, &envelope); err != nil {
		return roleRecord{}, false
	}
	if isRecord(envelope.roleRecord) {
		return envelope.roleRecord, true
	}
	for _, nested := range []json.RawMessage{envelope.Message, envelope.Data.Message, envelope.Payload.Message} {
		if len(nested) == 0 {
			continue
		}
		var rec roleRecord
		if err := json.Unmarshal(nested, &rec); err == nil && isRecord(rec) {
			return rec, true
		}
	}
	return roleRecord{}, false
}

func isRecord(r roleRecord) bool {
	return r.Role != "" && len(r.Content) > 0
}

func todosFromInput(input json.RawMessage) []Todo {
	var in struct {
		Todos []rawTodo `json:"todos"`
	}
	if len(input) == 0 || json.Unmarshal(input, &in) != nil {
		return nil
	}
	return validTodos(in.Todos, func(_ int, t rawTodo) string {
		return strings.ReplaceAll(t.Content, " ", "-")
	})
}

func validTodos(items []rawTodo, defaultID func(int, rawTodo) string) []Todo {
	out := make([]Todo, 0, len(items))
	for i, item := range items {
		if item.Content == "" || !validPriority(item.Priority) || !validStatus(item.Status) {
			continue
		}
		id := item.ID
		if id == "" {
			id = defaultID(i, item)
		}
		out = append(out, Todo{Content: item.Content, Priority: item.Priority, Status: item.Status, ID: id})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func validPriority(v string) bool {
	return v == "high" || v == "medium" || v == "low"
}

func validStatus(v string) bool {
	return v == "pending" || v == "in_progress" || v == "completed"
}
