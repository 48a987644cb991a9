package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/go-microvm/vmm/internal/mgmt"
	"github.com/go-microvm/vmm/internal/ratelimiter"
)

func respond(resp mgmt.Response, onOK func(mgmt.Response) Response) Response {
	if resp.Err != nil {
		return errResponse(http.StatusBadRequest, resp.Err)
	}
	return onOK(resp)
}

func actionPause(bridge *mgmt.Bridge) ResponseFunc {
	return func(cmd *Command, r *http.Request) Response {
		var body struct {
			Action string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return errResponse(http.StatusBadRequest, err)
		}
		var kind mgmt.RequestKind
		switch body.Action {
		case "Pause":
			kind = mgmt.ReqPause
		case "Resume":
			kind = mgmt.ReqResume
		case "SendCtrlAltDel":
			kind = mgmt.ReqSendCtrlAltDel
		default:
			return errResponse(http.StatusBadRequest, jsonError("unknown action "+body.Action))
		}
		resp := bridge.SendRequest(mgmt.Request{Kind: kind})
		return respond(resp, func(mgmt.Response) Response { return noContent() })
	}
}

func actionInstanceInfo(bridge *mgmt.Bridge) ResponseFunc {
	return func(cmd *Command, r *http.Request) Response {
		resp := bridge.SendRequest(mgmt.Request{Kind: mgmt.ReqGetInstanceInfo})
		return respond(resp, func(resp mgmt.Response) Response { return ok(resp.InstanceInfo) })
	}
}

func actionGetBalloonConfig(bridge *mgmt.Bridge) ResponseFunc {
	return func(cmd *Command, r *http.Request) Response {
		resp := bridge.SendRequest(mgmt.Request{Kind: mgmt.ReqGetBalloonConfig})
		return respond(resp, func(resp mgmt.Response) Response { return ok(resp.BalloonConfig) })
	}
}

func actionGetBalloonStats(bridge *mgmt.Bridge) ResponseFunc {
	return func(cmd *Command, r *http.Request) Response {
		resp := bridge.SendRequest(mgmt.Request{Kind: mgmt.ReqGetBalloonStats})
		return respond(resp, func(resp mgmt.Response) Response { return ok(resp.BalloonStats) })
	}
}

func actionUpdateBalloon(bridge *mgmt.Bridge) ResponseFunc {
	return func(cmd *Command, r *http.Request) Response {
		var body struct {
			AmountMiB             uint32 `json:"amount_mib"`
			StatsPollingIntervalS uint32 `json:"stats_polling_interval_s"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return errResponse(http.StatusBadRequest, err)
		}
		resp := bridge.SendRequest(mgmt.Request{
			Kind:                 mgmt.ReqUpdateBalloon,
			BalloonTargetMiB:     body.AmountMiB,
			BalloonStatsInterval: time.Duration(body.StatsPollingIntervalS) * time.Second,
		})
		return respond(resp, func(mgmt.Response) Response { return noContent() })
	}
}

func actionUpdateBalloonStatsInterval(bridge *mgmt.Bridge) ResponseFunc {
	return func(cmd *Command, r *http.Request) Response {
		var body struct {
			StatsPollingIntervalS uint32 `json:"stats_polling_interval_s"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return errResponse(http.StatusBadRequest, err)
		}
		resp := bridge.SendRequest(mgmt.Request{
			Kind:                 mgmt.ReqUpdateBalloonStatsInterval,
			BalloonStatsInterval: time.Duration(body.StatsPollingIntervalS) * time.Second,
		})
		return respond(resp, func(mgmt.Response) Response { return noContent() })
	}
}

type bucketUpdateBody struct {
	Kind                  string `json:"kind"`
	Size                  uint64 `json:"size"`
	OneTimeBurst          uint64 `json:"one_time_burst"`
	CompleteRefillTimeMs  uint64 `json:"complete_refill_time_ms"`
}

func (b bucketUpdateBody) toUpdate() ratelimiter.BucketUpdate {
	switch b.Kind {
	case "Disabled":
		return ratelimiter.BucketUpdate{Kind: ratelimiter.UpdateDisabled}
	case "Replace":
		return ratelimiter.BucketUpdate{
			Kind:                  ratelimiter.UpdateReplace,
			Size:                  b.Size,
			OneTimeBurst:          b.OneTimeBurst,
			CompleteRefillTimeMs:  b.CompleteRefillTimeMs,
		}
	default:
		return ratelimiter.BucketUpdate{Kind: ratelimiter.UpdateNone}
	}
}

func actionUpdateBlockDevicePath(bridge *mgmt.Bridge) ResponseFunc {
	return func(cmd *Command, r *http.Request) Response {
		var body struct {
			Path string `json:"path_on_host"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return errResponse(http.StatusBadRequest, err)
		}
		resp := bridge.SendRequest(mgmt.Request{
			Kind:    mgmt.ReqUpdateBlockDevicePath,
			DriveID: mux.Vars(r)["id"],
			NewPath: body.Path,
		})
		return respond(resp, func(mgmt.Response) Response { return noContent() })
	}
}

func actionUpdateBlockRateLimiter(bridge *mgmt.Bridge) ResponseFunc {
	return func(cmd *Command, r *http.Request) Response {
		var body struct {
			Bandwidth bucketUpdateBody `json:"bandwidth"`
			Ops       bucketUpdateBody `json:"ops"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return errResponse(http.StatusBadRequest, err)
		}
		resp := bridge.SendRequest(mgmt.Request{
			Kind:           mgmt.ReqUpdateBlockRateLimiter,
			DriveID:        mux.Vars(r)["id"],
			BlockBandwidth: body.Bandwidth.toUpdate(),
			BlockOps:       body.Ops.toUpdate(),
		})
		return respond(resp, func(mgmt.Response) Response { return noContent() })
	}
}

func actionUpdateNetRateLimiters(bridge *mgmt.Bridge) ResponseFunc {
	return func(cmd *Command, r *http.Request) Response {
		var body struct {
			RxBandwidth bucketUpdateBody `json:"rx_rate_limiter_bandwidth"`
			RxOps       bucketUpdateBody `json:"rx_rate_limiter_ops"`
			TxBandwidth bucketUpdateBody `json:"tx_rate_limiter_bandwidth"`
			TxOps       bucketUpdateBody `json:"tx_rate_limiter_ops"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return errResponse(http.StatusBadRequest, err)
		}
		resp := bridge.SendRequest(mgmt.Request{
			Kind:        mgmt.ReqUpdateNetRateLimiters,
			NetDeviceID: mux.Vars(r)["id"],
			RxBandwidth: body.RxBandwidth.toUpdate(),
			RxOps:       body.RxOps.toUpdate(),
			TxBandwidth: body.TxBandwidth.toUpdate(),
			TxOps:       body.TxOps.toUpdate(),
		})
		return respond(resp, func(mgmt.Response) Response { return noContent() })
	}
}

func actionCreateSnapshot(bridge *mgmt.Bridge) ResponseFunc {
	return func(cmd *Command, r *http.Request) Response {
		var body struct {
			SnapshotType string `json:"snapshot_type"`
			StatePath    string `json:"snapshot_path"`
			MemPath      string `json:"mem_file_path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return errResponse(http.StatusBadRequest, err)
		}
		resp := bridge.SendRequest(mgmt.Request{
			Kind:              mgmt.ReqCreateSnapshot,
			SnapshotDiff:      body.SnapshotType == "Diff",
			SnapshotStatePath: body.StatePath,
			SnapshotMemPath:   body.MemPath,
		})
		return respond(resp, func(mgmt.Response) Response { return noContent() })
	}
}

func actionLoadSnapshot(bridge *mgmt.Bridge) ResponseFunc {
	return func(cmd *Command, r *http.Request) Response {
		var body struct {
			StatePath       string `json:"snapshot_path"`
			MemPath         string `json:"mem_file_path"`
			ResumeAfterLoad bool   `json:"resume_vm"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return errResponse(http.StatusBadRequest, err)
		}
		resp := bridge.SendRequest(mgmt.Request{
			Kind:            mgmt.ReqLoadSnapshot,
			LoadStatePath:   body.StatePath,
			LoadMemPath:     body.MemPath,
			ResumeAfterLoad: body.ResumeAfterLoad,
		})
		return respond(resp, func(mgmt.Response) Response { return noContent() })
	}
}

func actionConfigureLogger(bridge *mgmt.Bridge) ResponseFunc {
	return func(cmd *Command, r *http.Request) Response {
		var body struct {
			LogPath string `json:"log_path"`
			Level   string `json:"level"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return errResponse(http.StatusBadRequest, err)
		}
		resp := bridge.SendRequest(mgmt.Request{
			Kind:     mgmt.ReqConfigureLogger,
			LogPath:  body.LogPath,
			LogLevel: body.Level,
		})
		return respond(resp, func(mgmt.Response) Response { return noContent() })
	}
}

func actionShutdown(bridge *mgmt.Bridge) ResponseFunc {
	return func(cmd *Command, r *http.Request) Response {
		resp := bridge.SendRequest(mgmt.Request{Kind: mgmt.ReqShutdownInternal})
		return respond(resp, func(mgmt.Response) Response { return noContent() })
	}
}
