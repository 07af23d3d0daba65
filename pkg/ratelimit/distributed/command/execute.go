package command

// entry is the mutable view a command works on. It owns its state: Execute
// copies the persisted state before handing it over.
type entry struct {
	state    *RemoteBucketState
	modified bool
}

func (e *entry) exists() bool {
	return e.state != nil
}

// Outcome is the result of executing a command against a state.
type Outcome struct {
	Result CommandResult

	// State is the state after execution; nil when the bucket does not exist.
	State *RemoteBucketState

	// Modified reports whether State must be persisted.
	Modified bool
}

// Execute runs cmd against a copy of state at nowNanos. A nil state means
// the bucket does not exist: only initialization commands run against it.
// The input state is never mutated, so replaying the same inputs yields the
// same outcome.
func Execute(cmd Command, state *RemoteBucketState, nowNanos int64) Outcome {
	e := &entry{state: state.Copy()}
	if !e.exists() && !cmd.IsInitialization() {
		return Outcome{Result: NotFoundResult()}
	}
	result := cmd.apply(e, nowNanos)
	return Outcome{Result: result, State: e.state, Modified: e.modified}
}

// ExecuteRequest is Execute honouring the client time carried by req.
func ExecuteRequest(req Request, state *RemoteBucketState, backendNowNanos int64) Outcome {
	return Execute(req.Command, state, req.EffectiveTime(backendNowNanos))
}
