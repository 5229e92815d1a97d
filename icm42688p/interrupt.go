package icm42688p

// DataReady is the data-ready (FIFO watermark) handler. It runs in
// interrupt or event-reader context: it only touches atomics and the
// scheduler, never the bus.
func (d *Device) DataReady(timestampUS uint64) {
	d.drdyIntervalPerf.Tick(timestampUS)

	d.dataReadyCount.Add(1)
	d.fifoWatermarkInterruptTimestamp.Store(timestampUS)
	d.fifoReadSamples.Add(d.fifoSamples)

	d.sched.ScheduleNow()
}

// DataReadyInterruptConfigure enables edge notification. Returns false when
// no line is attached or it could not be enabled; the driver then polls.
func (d *Device) DataReadyInterruptConfigure() bool {
	if d.drdy == nil {
		return false
	}

	if err := d.drdy.EnableInterrupt(d.DataReady); err != nil {
		d.logger.Warn("data ready interrupt unavailable, polling", "err", err)
		return false
	}
	return true
}

// DataReadyInterruptDisable stops edge notification
func (d *Device) DataReadyInterruptDisable() bool {
	if d.drdy == nil {
		return false
	}

	if err := d.drdy.DisableInterrupt(); err != nil {
		d.logger.Warn("disable data ready interrupt", "err", err)
		return false
	}
	return true
}
