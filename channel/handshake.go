package channel

// pumpAction is what the handshake driver should do next. The decision is a
// pure function of the engine state and the driver's own bookkeeping, so it
// can be tested without a socket or a real engine.
type pumpAction int

const (
	// actionNone means no progress is representable without further I/O or an
	// outstanding task completing.
	actionNone pumpAction = iota
	// actionFlush means staged ciphertext must reach the transport before
	// anything else happens.
	actionFlush
	// actionWrap means the engine has a handshake message to produce.
	actionWrap
	// actionFill means transport bytes should be read and fed to the engine.
	actionFill
	// actionDispatchTask means a background computation must be handed to the
	// task runner.
	actionDispatchTask
	// actionDrain means the session is established: decrypt whatever the
	// transport has buffered.
	actionDrain
)

func (a pumpAction) String() string {
	switch a {
	case actionNone:
		return "none"
	case actionFlush:
		return "flush"
	case actionWrap:
		return "wrap"
	case actionFill:
		return "fill"
	case actionDispatchTask:
		return "dispatch_task"
	case actionDrain:
		return "drain"
	default:
		return "unknown"
	}
}

// nextAction maps the handshake state machine onto driver actions. Staged
// ciphertext always drains first: handshake messages and close signals are
// useless until the peer can see them. A state of NEED_TASK with a task
// already outstanding yields no action; the channel is ineligible for
// progress until the task completes and wakes the selector.
func nextAction(state HandshakeState, taskOutstanding, staged bool) pumpAction {
	if staged {
		return actionFlush
	}

	switch state {
	case StateNeedWrap:
		return actionWrap
	case StateNeedUnwrap:
		return actionFill
	case StateNeedTask:
		if taskOutstanding {
			return actionNone
		}
		return actionDispatchTask
	case StateEstablished:
		return actionDrain
	default:
		return actionNone
	}
}
