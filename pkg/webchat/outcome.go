package webchat

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

type OutcomeKind int

const (
	Continue OutcomeKind = iota
	Closed
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Continue:
		return "continue"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Cause names why a session ended.
type Cause string

const (
	CauseNone             Cause = ""
	CauseConnectionClosed Cause = "connection_closed"
	CauseConnectionError  Cause = "connection_error"
	CauseGenerationError  Cause = "generation_error"
	CausePersistenceError Cause = "persistence_error"
	CauseServerShutdown   Cause = "server_shutdown"
)

// Outcome is what one step of the session loop produced.
type Outcome struct {
	Kind  OutcomeKind
	Cause Cause
	Err   error
}

func proceed() Outcome { return Outcome{Kind: Continue} }

func closed(cause Cause) Outcome { return Outcome{Kind: Closed, Cause: cause} }

func failed(cause Cause, err error) Outcome {
	return Outcome{Kind: Failed, Cause: cause, Err: err}
}

// CloseCode is the websocket close code sent to the peer for this outcome.
func (o Outcome) CloseCode() int {
	if o.Kind == Failed {
		return websocket.CloseInternalServerErr
	}
	return websocket.CloseNormalClosure
}

// terminalOutcome classifies a cancelled connection context. A peer read
// failure is a close or a connection error; anything else is a shutdown of
// the server side.
func terminalOutcome(ctx context.Context) Outcome {
	cause := context.Cause(ctx)
	var pe *peerError
	if errors.As(cause, &pe) {
		if isGracefulClose(pe.err) {
			return closed(CauseConnectionClosed)
		}
		return failed(CauseConnectionError, pe.err)
	}
	return closed(CauseServerShutdown)
}

func isGracefulClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
