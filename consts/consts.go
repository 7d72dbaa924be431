package consts

import (
	"math"
	"time"
)

const (
	ChunksBufferSize = 64

	DefaultInitialWindowSize = 65_535
	DefaultTimeout           = 11 * time.Second
	DefaultMaxFrameSize      = 16384 // DefaultMaxFrameSize - максимальная длина пейлоада фрейма в grpc. У http2 ограничение больше.
	DefaultMaxHeaderListSize = math.MaxUint32
	DefaultMaxRecvMsgSize    = 4 << 20
)

const (
	// MaxAllowedSize is the upper bound of a single memory request.
	MaxAllowedSize = 1 << 30
	// DefaultQuotaSize is the resource quota size used when none is configured.
	DefaultQuotaSize = math.MaxInt64 / 2

	// MinReplenishBytes and MaxReplenishBytes bound how much an allocator takes
	// from its quota at once.
	MinReplenishBytes = 4096
	MaxReplenishBytes = 1 << 20
	// MaxAllocatorFreeBytes is the amount of unreserved memory an allocator
	// keeps before donating it back to the quota.
	MaxAllocatorFreeBytes = 1 << 20
)

const (
	// MaxPluckers is the number of concurrent Pluck calls a queue accepts.
	MaxPluckers = 6
	// MaxBatchOps is the number of distinct operation kinds.
	MaxBatchOps = 8

	DefaultExecutorThreads = 4
)

const (
	DefaultKeepaliveTime    = 2 * time.Hour
	DefaultKeepaliveTimeout = 20 * time.Second
	MinKeepaliveTime        = 10 * time.Second
)
