package wire

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/taskgrid/taskgrid/internal/task"
)

// Credentials is the payload carried by AUTHENTICATE.
type Credentials struct {
	Username string
	Password string
}

// StringValue wraps a plain string payload (task IDs, tokens).
func StringValue(s string) *structpb.Value {
	return structpb.NewStringValue(s)
}

// NullValue represents "no payload" / "not found" (STATUS_REPLY on an
// unknown task ID, AUTH_FAIL).
func NullValue() *structpb.Value {
	return structpb.NewNullValue()
}

// ValueToString unwraps a string payload.
func ValueToString(v *structpb.Value) (string, error) {
	if v == nil {
		return "", fmt.Errorf("wire: expected string payload, got none")
	}
	if _, ok := v.GetKind().(*structpb.Value_StringValue); !ok {
		return "", fmt.Errorf("wire: expected string payload, got %T", v.GetKind())
	}
	return v.GetStringValue(), nil
}

// CredentialsValue builds the AUTHENTICATE payload.
func CredentialsValue(c Credentials) *structpb.Value {
	v, _ := structpb.NewValue(map[string]any{
		"username": c.Username,
		"password": c.Password,
	})
	return v
}

// ValueToCredentials unwraps an AUTHENTICATE payload.
func ValueToCredentials(v *structpb.Value) (Credentials, error) {
	st := v.GetStructValue()
	if st == nil {
		return Credentials{}, fmt.Errorf("wire: expected credentials payload, got none")
	}
	return Credentials{
		Username: st.Fields["username"].GetStringValue(),
		Password: st.Fields["password"].GetStringValue(),
	}, nil
}

// TaskValue builds the struct payload carried by SUBMIT_TASK, NEW_TASK,
// TASK_DONE, and STATUS_REPLY. WorkerID is omitted (empty string) when the
// task has none.
func TaskValue(t task.Task) *structpb.Value {
	v, _ := structpb.NewValue(map[string]any{
		"id":        t.ID,
		"client_id": t.ClientID,
		"payload":   t.Payload,
		"status":    string(t.Status),
		"worker_id": t.WorkerID,
		"lamport":   fmt.Sprintf("%d", t.Lamport),
	})
	return v
}

// ValueToTask unwraps a Task payload. Status defaults to Waiting if absent
// or unrecognized — SUBMIT_TASK's incoming status is ignored per the wire
// contract (§6: "Task (status ignored)").
func ValueToTask(v *structpb.Value) (task.Task, error) {
	st := v.GetStructValue()
	if st == nil {
		return task.Task{}, fmt.Errorf("wire: expected task payload, got none")
	}

	var lamport uint64
	if s := st.Fields["lamport"].GetStringValue(); s != "" {
		if _, err := fmt.Sscanf(s, "%d", &lamport); err != nil {
			return task.Task{}, fmt.Errorf("wire: invalid task lamport %q: %w", s, err)
		}
	}

	t := task.Task{
		ID:       st.Fields["id"].GetStringValue(),
		ClientID: st.Fields["client_id"].GetStringValue(),
		Payload:  st.Fields["payload"].GetStringValue(),
		WorkerID: st.Fields["worker_id"].GetStringValue(),
		Lamport:  lamport,
	}
	switch task.Status(st.Fields["status"].GetStringValue()) {
	case task.Running:
		t.Status = task.Running
	case task.Done:
		t.Status = task.Done
	case task.Failed:
		t.Status = task.Failed
	default:
		t.Status = task.Waiting
	}
	if t.ID == "" {
		return task.Task{}, fmt.Errorf("wire: task payload missing id")
	}
	return t, nil
}

// SyncState is the payload carried by SYNC_STATE: a full snapshot of the
// primary's replicated state.
type SyncState struct {
	Tasks   map[string]task.Task
	Workers []string
	Clock   uint64
}

// SyncStateValue builds the SYNC_STATE payload.
func SyncStateValue(s SyncState) *structpb.Value {
	tasks := make(map[string]any, len(s.Tasks))
	for id, t := range s.Tasks {
		tasks[id] = structValueOf(TaskValue(t))
	}
	workers := make([]any, len(s.Workers))
	for i, w := range s.Workers {
		workers[i] = w
	}

	v, _ := structpb.NewValue(map[string]any{
		"tasks":   tasks,
		"workers": workers,
		"clock":   fmt.Sprintf("%d", s.Clock),
	})
	return v
}

// ValueToSyncState unwraps a SYNC_STATE payload.
func ValueToSyncState(v *structpb.Value) (SyncState, error) {
	st := v.GetStructValue()
	if st == nil {
		return SyncState{}, fmt.Errorf("wire: expected sync_state payload, got none")
	}

	out := SyncState{Tasks: make(map[string]task.Task)}
	if tasksField := st.Fields["tasks"].GetStructValue(); tasksField != nil {
		for id, tv := range tasksField.Fields {
			t, err := ValueToTask(tv)
			if err != nil {
				return SyncState{}, fmt.Errorf("wire: decoding task %q in sync_state: %w", id, err)
			}
			out.Tasks[id] = t
		}
	}
	if workersField := st.Fields["workers"].GetListValue(); workersField != nil {
		for _, wv := range workersField.Values {
			out.Workers = append(out.Workers, wv.GetStringValue())
		}
	}
	if s := st.Fields["clock"].GetStringValue(); s != "" {
		if _, err := fmt.Sscanf(s, "%d", &out.Clock); err != nil {
			return SyncState{}, fmt.Errorf("wire: invalid sync_state clock %q: %w", s, err)
		}
	}
	return out, nil
}

// structValueOf unwraps a *structpb.Value built from a map back into a
// plain `any` so it can be embedded as a field value when constructing a
// parent structpb.NewValue(map[string]any{...}) call — structpb.NewValue
// does not accept *structpb.Value as a map entry directly.
func structValueOf(v *structpb.Value) any {
	return v.AsInterface()
}
