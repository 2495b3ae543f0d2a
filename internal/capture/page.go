package capture

import (
	"context"
	"fmt"

	"github.com/me/vgrid/internal/driver"
	"github.com/me/vgrid/pkg/model"
)

// Result is everything the check path needs from the page for one check.
type Result struct {
	Snapshot model.Snapshot
	// Target locates the element a selector-sized check renders, if any.
	Target *model.Selector
	// Selectors are the region locators the grid reports coordinates for,
	// target first, then by category in model.RegionCategories order.
	Selectors []model.Selector
}

// Page captures checks from a Driver.
type Page struct {
	driver   driver.Driver
	capturer *Capturer
	source   Source
}

// NewPage captures through d with the given capturer.
func NewPage(d driver.Driver, c *Capturer) *Page {
	return &Page{driver: d, capturer: c, source: NewDriverSource(d)}
}

// Capture switches to the check's frame, resolves its selectors to XPaths and
// polls a snapshot. The driver is returned to the top document afterwards.
// Every failure is a *model.CaptureError.
func (p *Page) Capture(ctx context.Context, desc model.CheckDescriptor) (Result, error) {
	if len(desc.FramePath) > 0 {
		if err := p.driver.SwitchToFrames(ctx, desc.FramePath); err != nil {
			return Result{}, &model.CaptureError{Reason: "frame switch failed", Err: err}
		}
		defer p.driver.SwitchToFrames(context.WithoutCancel(ctx), nil)
	}

	var res Result
	if desc.TargetSelector != "" {
		sel, err := p.resolve(ctx, desc.TargetSelector, "target")
		if err != nil {
			return Result{}, err
		}
		res.Target = &sel
		res.Selectors = append(res.Selectors, sel)
	}
	for _, category := range model.RegionCategories {
		for _, selector := range desc.Regions[category] {
			sel, err := p.resolve(ctx, selector, category)
			if err != nil {
				return Result{}, err
			}
			res.Selectors = append(res.Selectors, sel)
		}
	}

	value, err := p.capturer.Capture(ctx, p.source)
	if err != nil {
		return Result{}, err
	}
	snap, err := ToSnapshot(value)
	if err != nil {
		return Result{}, &model.CaptureError{Reason: "produced an invalid snapshot", Err: err}
	}
	res.Snapshot = snap
	return res, nil
}

func (p *Page) resolve(ctx context.Context, selector, category string) (model.Selector, error) {
	el, err := p.driver.FindElement(ctx, selector)
	if err != nil {
		return model.Selector{}, &model.CaptureError{Reason: "selector resolution failed", Err: fmt.Errorf("%s selector %q: %w", category, selector, err)}
	}
	raw, err := p.driver.ExecuteScript(ctx, driver.XPathScript, el)
	if err != nil {
		return model.Selector{}, &model.CaptureError{Reason: "selector resolution failed", Err: fmt.Errorf("xpath of %q: %w", selector, err)}
	}
	xpath, ok := raw.(string)
	if !ok || xpath == "" {
		return model.Selector{}, &model.CaptureError{Reason: "selector resolution failed", Err: fmt.Errorf("xpath of %q: got %v", selector, raw)}
	}
	return model.Selector{Type: "xpath", Selector: xpath, Category: category}, nil
}
