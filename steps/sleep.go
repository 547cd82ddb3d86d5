package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/mykhaliev/protocol-bench/logger"
	"github.com/mykhaliev/protocol-bench/model"
)

const defaultSleep = time.Second

func sleepDuration(in map[string]any) (time.Duration, error) {
	key, err := exclusive(in, false, "time", "duration")
	if err != nil {
		return 0, err
	}
	switch key {
	case "time":
		secs, err := floatField(in, "time", 0)
		if err != nil {
			return 0, err
		}
		if secs < 0 {
			return 0, fmt.Errorf("time: must not be negative")
		}
		return time.Duration(secs * float64(time.Second)), nil
	case "duration":
		s, err := stringField(in, "duration", true)
		if err != nil {
			return 0, err
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("duration: %w", err)
		}
		if d < 0 {
			return 0, fmt.Errorf("duration: must not be negative")
		}
		return d, nil
	}
	return defaultSleep, nil
}

func validateSleep(in map[string]any) error {
	if hasTemplate(in["time"]) || hasTemplate(in["duration"]) {
		return nil
	}
	_, err := sleepDuration(in)
	return err
}

func executeSleep(ctx context.Context, req *Request) (*Result, error) {
	d, err := sleepDuration(req.Input)
	if err != nil {
		return nil, err
	}
	logger.Logger.Debug("Sleeping", "step", req.Step.ID, "duration", d)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return &Result{Output: map[string]any{"sleptMs": d.Milliseconds()}}, nil
	case <-ctx.Done():
		return nil, model.TimeoutError(fmt.Sprintf("sleep of %s interrupted", d), ctx.Err())
	}
}
