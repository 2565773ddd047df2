// Package readiness supplies the page-safe predicate polled between UI
// transitions. A plugin answers a single "is the page idle right now"
// question; the polling cadence and budget belong to the caller.
package readiness

import (
	"context"

	"go.uber.org/zap"
)

// ScriptRunner is the slice of the browser a plugin needs: script execution
// and alert cleanup. The concrete browser satisfies it.
type ScriptRunner interface {
	ExecuteScript(ctx context.Context, script string, out any, args ...any) error
	DismissAnyAlerts(ctx context.Context)
}

// ensurePageSafeScript reports a map of idleness indicators; the page is safe
// when every value is true.
const ensurePageSafeScript = `
	return {
		jquery: (typeof jQuery === "undefined") ? true : jQuery.active < 1,
		prototype: (typeof Ajax === "undefined") ? true : Ajax.activeRequestCount < 1,
		document: document.readyState == "complete"
	}
`

// DefaultPlugin implements the generic page-safe check: no in-flight jQuery
// or Prototype requests and a complete document.
type DefaultPlugin struct {
	runner ScriptRunner
	logger *zap.Logger
}

// NewDefault creates the generic plugin.
func NewDefault(runner ScriptRunner, logger *zap.Logger) *DefaultPlugin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultPlugin{runner: runner, logger: logger.Named("readiness")}
}

// CheckPageReady runs the probe script once and ANDs the indicator values.
// Only javascript is used here; any other browser interaction could itself
// trip over the page being busy.
func (p *DefaultPlugin) CheckPageReady(ctx context.Context) (bool, error) {
	p.runner.DismissAnyAlerts(ctx)
	return runProbe(ctx, p.runner, ensurePageSafeScript)
}

func runProbe(ctx context.Context, runner ScriptRunner, script string) (bool, error) {
	indicators := map[string]bool{}
	if err := runner.ExecuteScript(ctx, script, &indicators); err != nil {
		return false, err
	}
	for _, ok := range indicators {
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// productPageSafeScript extends the generic indicators with the management
// product's own ajax accounting and its modal spinner.
const productPageSafeScript = `
	return {
		jquery: (typeof jQuery === "undefined") ? true : jQuery.active < 1,
		prototype: (typeof Ajax === "undefined") ? true : Ajax.activeRequestCount < 1,
		miq: (typeof ManageIQ === "undefined") ? true : ManageIQ.qe.anythingInFlight() === false,
		spinner: (function() {
			var s = document.getElementById("spinner_div");
			return s === null || s.style.display === "none";
		})(),
		document: document.readyState == "complete"
	}
`

// ProductPlugin is the readiness check for the management product under
// test: on top of the generic indicators, its ajax timer count must be zero
// and the page spinner hidden.
type ProductPlugin struct {
	runner ScriptRunner
	logger *zap.Logger
}

// NewProduct creates the product plugin.
func NewProduct(runner ScriptRunner, logger *zap.Logger) *ProductPlugin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProductPlugin{runner: runner, logger: logger.Named("readiness")}
}

func (p *ProductPlugin) CheckPageReady(ctx context.Context) (bool, error) {
	p.runner.DismissAnyAlerts(ctx)
	return runProbe(ctx, p.runner, productPageSafeScript)
}
