package main

import (
	"fmt"
	"io"

	"github.com/marcodamonte/concurrency/countdemo/scheduler"
)

// display is the terminal stand-in for the three counter widgets. The
// scheduler calls it on its delivery context only, so values needs no lock.
type display struct {
	w        io.Writer
	strategy scheduler.Strategy
	values   [len(scheduler.Slots)]int
}

func newDisplay(w io.Writer, strategy scheduler.Strategy) *display {
	return &display{w: w, strategy: strategy}
}

func (d *display) OnSlotUpdated(slot scheduler.SlotID, value int) error {
	d.values[int(slot)-1] = value
	_, err := fmt.Fprintf(d.w, "\r%-10s  slot1=%2d  slot2=%2d  slot3=%2d",
		d.strategy, d.values[0], d.values[1], d.values[2])
	return err
}
