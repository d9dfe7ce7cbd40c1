package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"yield-alerts/internal/alerting"
	"yield-alerts/internal/config"
	"yield-alerts/internal/fetcher"
	"yield-alerts/internal/monitor"
	"yield-alerts/internal/service"
	"yield-alerts/internal/storage"
)

// ReplayPass is one line of a replay file.
type ReplayPass struct {
	Timestamp time.Time         `json:"timestamp"`
	Readings  []fetcher.Reading `json:"readings"`
}

// ReadReplay parses a JSON-lines file of passes. Blank lines are skipped.
func ReadReplay(r io.Reader) ([]ReplayPass, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var passes []ReplayPass
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var pass ReplayPass
		if err := json.Unmarshal(raw, &pass); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		passes = append(passes, pass)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return passes, nil
}

// Replay feeds recorded readings through the engine pass by pass. The engine
// clock follows the recorded timestamps so cooldowns behave as they would
// have live.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	file, err := os.Open(opts.Path)
	if err != nil {
		return fmt.Errorf("open replay file: %w", err)
	}
	defer file.Close()

	passes, err := ReadReplay(file)
	if err != nil {
		return fmt.Errorf("parse replay file: %w", err)
	}
	if len(passes) == 0 {
		return errors.New("replay file contains no passes")
	}

	var store storage.StateStore = storage.Nop{}
	if a.Config.Persistence.Driver != config.DriverNone {
		store, _, err = storage.Open(ctx, a.Config)
		if err != nil {
			return err
		}
		defer store.Close()
	} else if opts.Persist {
		a.Logger.Warn().Msg("persistence.driver is none; --persist has no effect")
	}

	clock := time.Now().UTC()
	engine := a.newEngine(func() time.Time { return clock })

	st, err := storage.LoadState(ctx, store)
	if err != nil {
		a.Logger.Error().Err(err).Msg("load state failed; replaying from partial state")
	}
	// The recording starts from an empty snapshot; stored alerts are kept so
	// --persist appends rather than replaces.
	engine.Restore(st.Conditions, st.Alerts, monitor.Snapshot{})
	if engine.Conditions().Len() == 0 {
		presets := opts.Presets
		if len(presets) == 0 {
			presets = a.Config.Alerting.Presets
		}
		a.applyPresets(engine, presets)
	}
	if engine.Conditions().Len() == 0 {
		return errors.New("no conditions to replay; pass --preset or store some conditions first")
	}

	var dispatcher *alerting.Dispatcher
	if opts.Notify {
		notifiers, closeNotifiers, err := a.newNotifiers()
		if err != nil {
			return err
		}
		defer closeNotifiers()
		dispatcher = a.newDispatcher(engine, notifiers)
		dispatcher.Start()
	}

	svc := service.New(service.Options{}, nil, nil, engine, nil, dispatcher, nil, nil, a.Logger)

	var raised []monitor.Alert
	for i, pass := range passes {
		select {
		case <-ctx.Done():
			if dispatcher != nil {
				dispatcher.Stop()
			}
			return ctx.Err()
		default:
		}

		if !pass.Timestamp.IsZero() {
			clock = pass.Timestamp.UTC()
		}
		result := svc.Process(pass.Readings)
		raised = append(raised, result.Alerts...)
		a.Logger.Debug().
			Int("pass", i+1).
			Time("timestamp", result.Timestamp).
			Int("entities", result.Snapshot.Len()).
			Int("alerts", len(result.Alerts)).
			Msg("replayed pass")
	}
	if dispatcher != nil {
		dispatcher.Stop()
	}

	a.Logger.Info().Int("passes", len(passes)).Int("alerts", len(raised)).Msg("replay complete")
	if len(raised) == 0 {
		fmt.Fprintln(a.Out, "no alerts raised")
	} else {
		writeAlertTable(a.Out, raised)
	}

	if opts.Persist && a.Config.Persistence.Driver != config.DriverNone {
		persister := storage.NewPersister(store, 0, a.Logger)
		persister.ScheduleConditions(engine.ListConditions())
		persister.ScheduleAlerts(engine.Alerts().All())
		persister.ScheduleSnapshot(engine.Snapshot())
		if err := persister.Flush(ctx); err != nil {
			return fmt.Errorf("persist replay state: %w", err)
		}
	}
	return nil
}
