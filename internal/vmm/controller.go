package vmm

import (
	"time"

	"github.com/go-microvm/vmm/internal/mgmt"
	"github.com/go-microvm/vmm/internal/ratelimiter"
)

// Controller adapts a VirtualMachine to mgmt.VMController, translating
// the vmm package's own InstanceInfo/BalloonConfig return types into
// mgmt's view types. internal/mgmt never imports internal/vmm, so this
// narrow shim is what lets cmd/vmm wire the two together.
type Controller struct {
	vm *VirtualMachine
}

// NewController wraps vm for use as a mgmt.Bridge's VMController.
func NewController(vm *VirtualMachine) *Controller {
	return &Controller{vm: vm}
}

func (c *Controller) Pause() error          { return c.vm.Pause() }
func (c *Controller) Resume() error         { return c.vm.Resume() }
func (c *Controller) SendCtrlAltDel()       { c.vm.SendCtrlAltDel() }
func (c *Controller) Stop()                 { c.vm.Stop() }

func (c *Controller) InstanceInfo() mgmt.InstanceInfoView {
	info := c.vm.InstanceInfo()
	return mgmt.InstanceInfoView{
		State:           info.State,
		VCPUCount:       info.VCPUCount,
		MemorySizeBytes: info.MemorySizeBytes,
	}
}

func (c *Controller) BalloonConfig() (mgmt.BalloonConfigView, bool) {
	cfg, ok := c.vm.BalloonConfig()
	if !ok {
		return mgmt.BalloonConfigView{}, false
	}
	return mgmt.BalloonConfigView{
		AmountMiB:             cfg.AmountMiB,
		DeflateOnOOM:          cfg.DeflateOnOOM,
		StatsPollingIntervalS: cfg.StatsPollingIntervalS,
	}, true
}

func (c *Controller) BalloonStats() (map[string]uint64, bool) {
	return c.vm.BalloonStats()
}

func (c *Controller) UpdateBalloonTarget(targetMiB uint32) error {
	return c.vm.UpdateBalloonTarget(targetMiB)
}

func (c *Controller) UpdateBalloonStatsInterval(interval time.Duration) error {
	return c.vm.UpdateBalloonStatsInterval(interval)
}

func (c *Controller) UpdateBlockDevicePath(id, newPath string) error {
	return c.vm.UpdateBlockDevicePath(id, newPath)
}

func (c *Controller) UpdateBlockRateLimiter(id string, bw, ops ratelimiter.BucketUpdate) error {
	return c.vm.UpdateBlockRateLimiter(id, bw, ops)
}

func (c *Controller) UpdateNetRateLimiters(id string, rxBw, rxOps, txBw, txOps ratelimiter.BucketUpdate) error {
	return c.vm.UpdateNetRateLimiters(id, rxBw, rxOps, txBw, txOps)
}
