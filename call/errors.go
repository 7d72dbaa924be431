package call

import "strconv"

// Error is returned synchronously by StartBatch. Nothing was started when
// it is returned.
type Error int

const (
	ErrCall Error = iota + 1
	ErrNotOnServer
	ErrNotOnClient
	ErrAlreadyFinished
	ErrTooManyOperations
	ErrInvalidFlags
	ErrInvalidMetadata
	ErrInvalidMessage
	ErrNotServerCompletionQueue
	ErrBatchTooBig
	ErrCompletionQueueShutdown
)

var errorText = map[Error]string{
	ErrCall:                     "call error",
	ErrNotOnServer:              "not supported on server",
	ErrNotOnClient:              "not supported on client",
	ErrAlreadyFinished:          "call already finished",
	ErrTooManyOperations:        "too many operations",
	ErrInvalidFlags:             "invalid flags",
	ErrInvalidMetadata:          "invalid metadata",
	ErrInvalidMessage:           "invalid message",
	ErrNotServerCompletionQueue: "not a server completion queue",
	ErrBatchTooBig:              "batch too big",
	ErrCompletionQueueShutdown:  "completion queue shut down",
}

func (e Error) Error() string {
	if s, ok := errorText[e]; ok {
		return "call: " + s
	}
	return "call: error " + strconv.Itoa(int(e))
}
