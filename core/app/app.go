// Package app wires the acquisition chain together: device discovery,
// the engine, the control reader, and the optional status monitor.
package app

import (
	"io"
	"sync"

	"github.com/sdrkit/quadriga/core"
	"github.com/sdrkit/quadriga/core/control"
	"github.com/sdrkit/quadriga/core/daq"
	"github.com/sdrkit/quadriga/core/monitor"
	"github.com/sdrkit/quadriga/core/rtlsdr"
)

// Run acquires on the configured devices and emits the frame stream on
// out until a halt command or a fatal condition. The returned error is
// nil on a clean shutdown.
func Run(cfg core.Configuration, out io.Writer, controlPipe string) error {
	tuners, err := rtlsdr.OpenChannels(cfg.NumCh)
	if err != nil {
		return err
	}
	ctrChannel := rtlsdr.ControlChannel(cfg.CtrChannelSerialNo, cfg.NumCh)

	engine := daq.New(cfg, tuners, ctrChannel, out)
	reader := control.NewReader(controlPipe, cfg.NumCh, engine)

	stop := make(chan struct{})
	subProcesses := new(sync.WaitGroup)

	if cfg.EnStatusServer {
		statusServer := monitor.NewServer(cfg.StatusPort)
		engine.OnFrame(statusServer.Publish)
		statusServer.Run(stop, subProcesses)
	}
	reader.Run(subProcesses)

	err = engine.Run()

	reader.Close()
	close(stop)
	subProcesses.Wait()
	return err
}
