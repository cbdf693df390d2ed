package types

import (
	"encoding/json"
	"fmt"
)

// Reserved sentinel keys. Every other key is a task name.
const (
	KeyOK            = "OK"
	KeySSHWait       = "SSH_WAIT"
	KeyChangeCreds   = "CHANGE_CREDS"
	KeyCopyPlaybooks = "COPY_PLAYBOOKS"
)

// TaskResult is the outcome of one run. It is serialized as the flat
// sentinel document {"OK": bool, "<task>": bool, ...}.
type TaskResult struct {
	OK    bool
	Tasks map[string]bool

	// Auxiliary flags stay nil until the step that sets them runs.
	SSHWait       *bool
	ChangeCreds   *bool
	CopyPlaybooks *bool
}

// NewTaskResult returns an empty, not yet successful result.
func NewTaskResult() *TaskResult {
	return &TaskResult{Tasks: make(map[string]bool)}
}

// Record stores the outcome of a task.
func (r *TaskResult) Record(task string, ok bool) {
	r.Tasks[task] = ok
}

// SetSSHWait records whether connectivity was established.
func (r *TaskResult) SetSSHWait(ok bool) { r.SSHWait = &ok }

// SetChangeCreds records the credential rotation outcome.
func (r *TaskResult) SetChangeCreds(ok bool) { r.ChangeCreds = &ok }

// SetCopyPlaybooks records whether the working directory reached the node.
func (r *TaskResult) SetCopyPlaybooks(ok bool) { r.CopyPlaybooks = &ok }

func (r *TaskResult) MarshalJSON() ([]byte, error) {
	doc := make(map[string]bool, len(r.Tasks)+4)
	for k, v := range r.Tasks {
		doc[k] = v
	}
	if r.SSHWait != nil {
		doc[KeySSHWait] = *r.SSHWait
	}
	if r.ChangeCreds != nil {
		doc[KeyChangeCreds] = *r.ChangeCreds
	}
	if r.CopyPlaybooks != nil {
		doc[KeyCopyPlaybooks] = *r.CopyPlaybooks
	}
	doc[KeyOK] = r.OK
	return json.Marshal(doc)
}

func (r *TaskResult) UnmarshalJSON(data []byte) error {
	var doc map[string]bool
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	*r = TaskResult{Tasks: make(map[string]bool, len(doc))}
	for k, v := range doc {
		v := v
		switch k {
		case KeyOK:
			r.OK = v
		case KeySSHWait:
			r.SSHWait = &v
		case KeyChangeCreds:
			r.ChangeCreds = &v
		case KeyCopyPlaybooks:
			r.CopyPlaybooks = &v
		default:
			r.Tasks[k] = v
		}
	}
	return nil
}
