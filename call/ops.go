package call

import (
	"github.com/ozontech/rpccore/metadata"
	"github.com/ozontech/rpccore/status"
)

type OpKind int

const (
	SendInitialMetadataOp OpKind = iota
	SendMessageOp
	SendCloseFromClientOp
	SendStatusFromServerOp
	RecvInitialMetadataOp
	RecvMessageOp
	RecvStatusOnClientOp
	RecvCloseOnServerOp

	numKinds
)

var opNames = [numKinds]string{
	"SEND_INITIAL_METADATA",
	"SEND_MESSAGE",
	"SEND_CLOSE_FROM_CLIENT",
	"SEND_STATUS_FROM_SERVER",
	"RECV_INITIAL_METADATA",
	"RECV_MESSAGE",
	"RECV_STATUS_ON_CLIENT",
	"RECV_CLOSE_ON_SERVER",
}

func (k OpKind) String() string {
	if k < 0 || k >= numKinds {
		return "UNKNOWN_OP"
	}
	return opNames[k]
}

type kindMask uint16

func (k OpKind) mask() kindMask { return 1 << k }

func (m kindMask) has(k OpKind) bool { return m&k.mask() != 0 }

// onceKinds may be issued once per call. The rest may repeat after the
// previous instance resolved.
const onceKinds = kindMask(1<<SendInitialMetadataOp |
	1<<SendCloseFromClientOp |
	1<<SendStatusFromServerOp |
	1<<RecvInitialMetadataOp |
	1<<RecvStatusOnClientOp |
	1<<RecvCloseOnServerOp)

// Op is one operation of a batch.
type Op interface {
	Kind() OpKind
}

type WriteFlags uint32

const (
	// WriteBufferHint allows the transport to delay the write.
	WriteBufferHint WriteFlags = 1 << iota
	WriteNoCompress
	WriteThrough

	writeFlagsMask = WriteBufferHint | WriteNoCompress | WriteThrough
)

type InitialMetadataFlags uint32

const (
	WaitForReady              InitialMetadataFlags = 0x20
	WaitForReadyExplicitlySet InitialMetadataFlags = 0x80

	initialMetadataFlagsMask = WaitForReady | WaitForReadyExplicitlySet
)

type SendInitialMetadata struct {
	Metadata metadata.MD
	Flags    InitialMetadataFlags
}

// SendMessage copies Message when the batch starts; the caller may reuse
// the slice right after StartBatch returns.
type SendMessage struct {
	Message []byte
	Flags   WriteFlags
}

type SendCloseFromClient struct{}

// SendStatusFromServer ends a server call. A nil Status is OK.
type SendStatusFromServer struct {
	Status   *status.Status
	Trailers metadata.MD
}

// RecvInitialMetadata stores the peer's initial metadata in Metadata.
type RecvInitialMetadata struct {
	Metadata *metadata.MD
}

// RecvMessage stores the next message in Message; nil means the peer
// finished sending.
type RecvMessage struct {
	Message *[]byte
}

// RecvStatusOnClient stores the final status of a client call.
type RecvStatusOnClient struct {
	Status   *status.Status
	Trailers *metadata.MD
}

// RecvCloseOnServer resolves when the server call is over. Cancelled is set
// when it ended by cancellation rather than by the sent status.
type RecvCloseOnServer struct {
	Cancelled *bool
}

func (SendInitialMetadata) Kind() OpKind  { return SendInitialMetadataOp }
func (SendMessage) Kind() OpKind          { return SendMessageOp }
func (SendCloseFromClient) Kind() OpKind  { return SendCloseFromClientOp }
func (SendStatusFromServer) Kind() OpKind { return SendStatusFromServerOp }
func (RecvInitialMetadata) Kind() OpKind  { return RecvInitialMetadataOp }
func (RecvMessage) Kind() OpKind          { return RecvMessageOp }
func (RecvStatusOnClient) Kind() OpKind   { return RecvStatusOnClientOp }
func (RecvCloseOnServer) Kind() OpKind    { return RecvCloseOnServerOp }
