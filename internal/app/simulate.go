package app

import (
	"context"
	"errors"
	"fmt"

	"yield-alerts/internal/fetcher"
	"yield-alerts/internal/monitor"
	"yield-alerts/internal/service"
)

// SimulateAlert pushes one synthetic reading through a throwaway engine and
// the real delivery channels. Nothing is persisted.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if opts.Protocol == "" || opts.Asset == "" {
		return errors.New("protocol and asset are required")
	}

	notifiers, closeNotifiers, err := a.newNotifiers()
	if err != nil {
		return err
	}
	defer closeNotifiers()

	engine := a.newEngine(nil)
	if _, err := engine.CreateCondition(monitor.ConditionParams{
		Name:       "simulated",
		Type:       monitor.TypeAPYAbove,
		Protocol:   opts.Protocol,
		Asset:      opts.Asset,
		RuleParams: monitor.RuleParams{Threshold: fetcher.Float(opts.Threshold)},
	}); err != nil {
		return err
	}

	dispatcher := a.newDispatcher(engine, notifiers)
	dispatcher.Start()

	svc := service.New(service.Options{}, nil, fetcher.NewStatic(nil), engine, nil, dispatcher, nil, nil, a.Logger)
	result := svc.Process([]fetcher.Reading{{
		Protocol:  opts.Protocol,
		Asset:     opts.Asset,
		APY:       opts.APY,
		TVL:       opts.TVL,
		RiskScore: opts.RiskScore,
	}})

	// Stop waits for queued deliveries.
	dispatcher.Stop()
	if err := ctx.Err(); err != nil {
		return err
	}

	if len(result.Alerts) == 0 {
		return fmt.Errorf("apy %.2f%% did not exceed threshold %.2f%%; no alert raised", opts.APY, opts.Threshold)
	}
	stats := dispatcher.Stats()
	alert := engine.RecentAlerts(1)[0]
	a.Logger.Info().
		Str("alert_id", alert.ID).
		Str("severity", string(alert.Severity)).
		Strs("delivered_via", alert.DeliveredVia).
		Uint64("failed", stats.Failed).
		Msg("simulated alert dispatched")
	fmt.Fprintf(a.Out, "%s\n%s\ndelivered via: %v\n", alert.Title, alert.Message, alert.DeliveredVia)

	if stats.Failed > 0 {
		return fmt.Errorf("%d deliveries failed; see logs", stats.Failed)
	}
	return nil
}
