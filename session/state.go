package session

import "fmt"

type State uint32

const (
	StateDisconnected State = iota // new or dead, not usable
	StateConnecting                // link open, hello not seen yet
	StateIdle                      // connected, no command in flight
	StateAwaitingAck               // connected, exactly one command in flight
)

var (
	ErrBusy         = fmt.Errorf("command already in flight")
	ErrDisconnected = fmt.Errorf("session disconnected")
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateAwaitingAck:
		return "awaiting-ack"
	}
	return fmt.Sprintf("unknown:%d", uint32(s))
}

func (s State) Connected() bool { return s == StateIdle || s == StateAwaitingAck }

type ResultCode uint8

const (
	ResultInvalid ResultCode = iota
	ResultSuccess
	ResultFailure
	ResultTimeout
	ResultCancelled
)

func (r ResultCode) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	case ResultTimeout:
		return "timeout"
	case ResultCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("invalid:%d", uint8(r))
}

// Result is the single terminal outcome of SendCommand.
type Result struct {
	Code     ResultCode
	Detail   string // ack detail or failure reason
	Attempts int    // resend count, meaningful for ResultTimeout
}
