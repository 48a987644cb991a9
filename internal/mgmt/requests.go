package mgmt

import (
	"time"

	"github.com/go-microvm/vmm/internal/ratelimiter"
)

// RequestKind identifies one of the control-plane socket's typed
// operations.
type RequestKind int

const (
	ReqPause RequestKind = iota
	ReqResume
	ReqSendCtrlAltDel
	ReqGetInstanceInfo
	ReqGetBalloonConfig
	ReqGetBalloonStats
	ReqUpdateBalloon
	ReqUpdateBalloonStatsInterval
	ReqUpdateBlockDevicePath
	ReqUpdateBlockRateLimiter
	ReqUpdateNetRateLimiters
	ReqCreateSnapshot
	ReqLoadSnapshot
	ReqConfigureLogger
	ReqConfigureMetrics
	ReqShutdownInternal
)

func (k RequestKind) String() string {
	switch k {
	case ReqPause:
		return "Pause"
	case ReqResume:
		return "Resume"
	case ReqSendCtrlAltDel:
		return "SendCtrlAltDel"
	case ReqGetInstanceInfo:
		return "GetInstanceInfo"
	case ReqGetBalloonConfig:
		return "GetBalloonConfig"
	case ReqGetBalloonStats:
		return "GetBalloonStats"
	case ReqUpdateBalloon:
		return "UpdateBalloon"
	case ReqUpdateBalloonStatsInterval:
		return "UpdateBalloonStatsInterval"
	case ReqUpdateBlockDevicePath:
		return "UpdateBlockDevicePath"
	case ReqUpdateBlockRateLimiter:
		return "UpdateBlockRateLimiter"
	case ReqUpdateNetRateLimiters:
		return "UpdateNetRateLimiters"
	case ReqCreateSnapshot:
		return "CreateSnapshot"
	case ReqLoadSnapshot:
		return "LoadSnapshot"
	case ReqConfigureLogger:
		return "ConfigureLogger"
	case ReqConfigureMetrics:
		return "ConfigureMetrics"
	case ReqShutdownInternal:
		return "ShutdownInternal"
	default:
		return "Unknown"
	}
}

// Request carries one typed operation. Only the fields relevant to Kind
// are populated; the rest are zero.
type Request struct {
	Kind RequestKind

	// UpdateBalloon / UpdateBalloonStatsInterval
	BalloonTargetMiB     uint32
	BalloonStatsInterval time.Duration

	// UpdateBlockDevicePath
	DriveID  string
	NewPath  string

	// UpdateBlockRateLimiter
	BlockBandwidth ratelimiter.BucketUpdate
	BlockOps       ratelimiter.BucketUpdate

	// UpdateNetRateLimiters
	NetDeviceID string
	RxBandwidth ratelimiter.BucketUpdate
	RxOps       ratelimiter.BucketUpdate
	TxBandwidth ratelimiter.BucketUpdate
	TxOps       ratelimiter.BucketUpdate

	// CreateSnapshot
	SnapshotDiff     bool
	SnapshotStatePath string
	SnapshotMemPath   string

	// LoadSnapshot
	LoadStatePath string
	LoadMemPath   string
	ResumeAfterLoad bool

	// ConfigureLogger / ConfigureMetrics
	LogPath     string
	LogLevel    string
	MetricsPath string
}

// Response carries the one-to-one reply to a Request. Err is non-nil on
// failure; exactly one of the typed payload fields is meaningful
// depending on the originating Request's Kind.
type Response struct {
	Err error

	InstanceInfo  InstanceInfoView
	BalloonConfig BalloonConfigView
	BalloonStats  map[string]uint64
}

// InstanceInfoView and BalloonConfigView mirror vmm.InstanceInfo /
// vmm.BalloonConfig without this package importing internal/vmm for just
// two value types — internal/vmm imports mgmt (its Controller fills these
// views), never the other way round.
type InstanceInfoView struct {
	State           string
	VCPUCount       int
	MemorySizeBytes uint64
}

type BalloonConfigView struct {
	AmountMiB             uint32
	DeflateOnOOM          bool
	StatsPollingIntervalS uint32
}
