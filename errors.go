package epscope

import "errors"

// Error kinds surfaced by the acquisition core. Handlers wrap these with
// fmt.Errorf("...: %w", ...) so the command channel can map any failure to
// a stable numeric reply code with errors.Is.
var (
	// ErrInvalidArgument means a parse failed or a value fell outside its
	// enumerated domain.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrWrongState means the operation is forbidden in the current state
	// machine state.
	ErrWrongState = errors.New("wrong state")

	// ErrWouldBlock means a queue or completion wait timed out.
	ErrWouldBlock = errors.New("would block")

	// ErrOverrun means the consumer fell behind and acquisition self-stopped.
	// The caller must restart.
	ErrOverrun = errors.New("overrun")

	// ErrDeviceError is a hardware-layer refusal.
	ErrDeviceError = errors.New("device error")

	// ErrLinkDown means a socket failed and the message was dropped.
	ErrLinkDown = errors.New("link down")
)

// Reply codes for the command channel. Code 1 covers any parse or dispatch
// failure; the others are consistent within a build but not contractual.
const (
	CodeParse           = 1
	CodeInvalidArgument = 2
	CodeWrongState      = 3
	CodeWouldBlock      = 4
	CodeOverrun         = 5
	CodeDeviceError     = 6
	CodeLinkDown        = 7
)

// replyCode maps an error to the numeric code sent in an "ERROR <n>" reply.
func replyCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrWrongState):
		return CodeWrongState
	case errors.Is(err, ErrWouldBlock):
		return CodeWouldBlock
	case errors.Is(err, ErrOverrun):
		return CodeOverrun
	case errors.Is(err, ErrDeviceError):
		return CodeDeviceError
	case errors.Is(err, ErrLinkDown):
		return CodeLinkDown
	}
	return CodeParse
}
