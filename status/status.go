// Package status describes the terminal outcome of a call.
package status

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// Code is a status code. The set of codes is closed.
type Code uint32

const (
	OK Code = iota
	Cancelled
	Unknown
	InvalidArgument
	DeadlineExceeded
	NotFound
	AlreadyExists
	PermissionDenied
	ResourceExhausted
	FailedPrecondition
	Aborted
	OutOfRange
	Unimplemented
	Internal
	Unavailable
	DataLoss
	Unauthenticated

	maxCode = Unauthenticated
)

var codeNames = [...]string{
	OK:                 "OK",
	Cancelled:          "CANCELLED",
	Unknown:            "UNKNOWN",
	InvalidArgument:    "INVALID_ARGUMENT",
	DeadlineExceeded:   "DEADLINE_EXCEEDED",
	NotFound:           "NOT_FOUND",
	AlreadyExists:      "ALREADY_EXISTS",
	PermissionDenied:   "PERMISSION_DENIED",
	ResourceExhausted:  "RESOURCE_EXHAUSTED",
	FailedPrecondition: "FAILED_PRECONDITION",
	Aborted:            "ABORTED",
	OutOfRange:         "OUT_OF_RANGE",
	Unimplemented:      "UNIMPLEMENTED",
	Internal:           "INTERNAL",
	Unavailable:        "UNAVAILABLE",
	DataLoss:           "DATA_LOSS",
	Unauthenticated:    "UNAUTHENTICATED",
}

var nameToCode = func() map[string]Code {
	m := make(map[string]Code, len(codeNames))
	for c, name := range codeNames {
		m[name] = Code(c)
	}
	return m
}()

func (c Code) String() string {
	if c > maxCode {
		return "CODE(" + strconv.FormatUint(uint64(c), 10) + ")"
	}
	return codeNames[c]
}

// Valid reports whether c belongs to the enumeration.
func (c Code) Valid() bool { return c <= maxCode }

// ParseCode accepts both the canonical name ("DEADLINE_EXCEEDED") and the
// decimal form ("4").
func ParseCode(s string) (Code, bool) {
	if c, ok := nameToCode[s]; ok {
		return c, true
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || Code(n) > maxCode {
		return 0, false
	}
	return Code(n), true
}

// CodeFromWire converts the numeric wire form. Unknown values map to Unknown.
func CodeFromWire(n uint64) Code {
	if n > uint64(maxCode) {
		return Unknown
	}
	return Code(n)
}

// Status is the terminal result of a call.
type Status struct {
	Code    Code
	Message string
	// Details is an opaque binary payload, by convention a serialized
	// google.rpc.Status.
	Details []byte
}

func New(c Code, msg string) *Status {
	return &Status{Code: c, Message: msg}
}

func Newf(c Code, format string, a ...any) *Status {
	return New(c, fmt.Sprintf(format, a...))
}

func (s *Status) OK() bool { return s == nil || s.Code == OK }

func (s *Status) String() string {
	if s == nil {
		return OK.String()
	}
	if s.Message == "" {
		return s.Code.String()
	}
	return s.Code.String() + ": " + s.Message
}

// Err returns nil for OK statuses.
func (s *Status) Err() error {
	if s.OK() {
		return nil
	}
	return &Error{s: s}
}

// Clone makes a deep copy.
func (s *Status) Clone() *Status {
	if s == nil {
		return nil
	}
	c := *s
	if s.Details != nil {
		c.Details = append([]byte(nil), s.Details...)
	}
	return &c
}

// Error wraps a non-OK Status.
type Error struct {
	s *Status
}

func (e *Error) Error() string { return "rpc error: " + e.s.String() }

func (e *Error) Status() *Status { return e.s }

// GRPCStatus lets google.golang.org/grpc/status.FromError understand Error.
func (e *Error) GRPCStatus() *grpcstatus.Status { return e.s.GRPC() }

// FromError extracts a status from err. Errors that carry no status become
// Unknown; context errors map to Cancelled and DeadlineExceeded.
func FromError(err error) *Status {
	if err == nil {
		return New(OK, "")
	}
	var se *Error
	if errors.As(err, &se) {
		return se.s
	}
	var gs interface{ GRPCStatus() *grpcstatus.Status }
	if errors.As(err, &gs) {
		return FromGRPC(gs.GRPCStatus())
	}
	switch {
	case errors.Is(err, context.Canceled):
		return New(Cancelled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return New(DeadlineExceeded, err.Error())
	}
	return New(Unknown, err.Error())
}

// GRPC converts s into the grpc-go representation. Details that parse as a
// google.rpc.Status contribute their detail messages.
func (s *Status) GRPC() *grpcstatus.Status {
	if s == nil {
		return grpcstatus.New(codes.OK, "")
	}
	if len(s.Details) != 0 {
		p := new(spb.Status)
		if err := proto.Unmarshal(s.Details, p); err == nil {
			p.Code = int32(s.Code)
			p.Message = s.Message
			return grpcstatus.FromProto(p)
		}
	}
	return grpcstatus.New(codes.Code(s.Code), s.Message)
}

// FromGRPC converts a grpc-go status. Non-empty detail lists are kept as a
// serialized google.rpc.Status.
func FromGRPC(gs *grpcstatus.Status) *Status {
	if gs == nil {
		return New(OK, "")
	}
	p := gs.Proto()
	st := &Status{
		Code:    CodeFromWire(uint64(p.GetCode())),
		Message: p.GetMessage(),
	}
	if len(p.GetDetails()) != 0 {
		b, err := proto.Marshal(p)
		if err == nil {
			st.Details = b
		}
	}
	return st
}
