/*
Package stereocapture acquires frames from two independently clocked cameras
and pairs them into time-matched stereo pairs.

Cameras are reached through a vendor driver (see package driver) loaded by a
DriverContext. Each CameraHandle owns a fixed pool of frame buffers that are
announced to the driver, queued, delivered back through a completion channel
and requeued, until StopCapture revokes them all.

A StereoSynchronizer pairs the two frame streams with a latest-wins barrier:
each side holds at most one unpaired frame and a newer frame replaces it.
Replaced frames are counted and never reach the consumer.

Basic usage:

	dc := stereocapture.NewDriverContext("fake")
	if err := dc.Startup(ctx); err != nil {
	    log.Fatal(err)
	}
	defer dc.Shutdown()

	rig := stereocapture.NewStereoRig(dc, stereocapture.RigConfig{
	    Left:  stereocapture.CameraConfig{ID: "fake-0", Name: "left"},
	    Right: stereocapture.CameraConfig{ID: "fake-1", Name: "right"},
	}, func(p stereocapture.StereoPair) {
	    // p is only valid during this call; use p.Clone() to keep it.
	})
	if err := rig.Open(ctx); err != nil {
	    log.Fatal(err)
	}
	defer rig.Close()

	if err := rig.Start(); err != nil {
	    log.Fatal(err)
	}
	defer rig.Stop()

Frames and pairs handed to handlers are views of memory that is reused as soon
as the handler returns.
*/
package stereocapture
