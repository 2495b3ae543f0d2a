package driver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

// prelude gives page fixtures a minimal DOM: parent links, frame switching,
// simple selectors and a default serializer. A fixture assigns the global
// "page" = {url, document, frames, resources, pollsBeforeComplete} and may
// override __processPageAndSerializePoll.
const prelude = `
var __vgrid = (function () {
  var current = null;
  var polls = 0;
  function link(el, parent) {
    el.parentElement = parent || null;
    el.children = el.children || [];
    for (var i = 0; i < el.children.length; i++) link(el.children[i], el);
  }
  function prepare(frame) {
    if (!frame.__linked) {
      if (frame.document) link(frame.document, null);
      frame.__linked = true;
    }
    return frame;
  }
  function matches(el, sel) {
    if (sel.charAt(0) === '#') return el.id === sel.slice(1);
    if (sel.charAt(0) === '.') return (' ' + (el.className || '') + ' ').indexOf(' ' + sel.slice(1) + ' ') >= 0;
    return (el.tagName || '').toUpperCase() === sel.toUpperCase();
  }
  function find(el, sel) {
    if (matches(el, sel)) return el;
    for (var i = 0; i < el.children.length; i++) {
      var found = find(el.children[i], sel);
      if (found) return found;
    }
    return null;
  }
  function serialize(el) {
    var out = {tagName: el.tagName, children: []};
    if (el.id) out.id = el.id;
    if (el.className) out.className = el.className;
    if (el.text) out.text = el.text;
    if (el.attributes) out.attributes = el.attributes;
    for (var i = 0; i < el.children.length; i++) out.children.push(serialize(el.children[i]));
    return out;
  }
  return {
    reset: function () { current = prepare(page); },
    switchTo: function (path) {
      var frame = prepare(page);
      for (var i = 0; i < path.length; i++) {
        var next = (frame.frames || {})[path[i]];
        if (!next) return path[i];
        frame = prepare(next);
      }
      current = frame;
      return '';
    },
    url: function () { return current.url || ''; },
    find: function (sel) { return current.document ? find(current.document, sel) : null; },
    snapshot: function () {
      polls++;
      if (polls <= (page.pollsBeforeComplete || 0)) return {status: 'WORK_IN_PROGRESS'};
      var resources = [];
      var res = current.resources || {};
      for (var url in res) resources.push({url: url, type: res[url].contentType, value: res[url].content});
      return {status: 'COMPLETE', value: {
        url: current.url || '',
        dom: current.document ? serialize(current.document) : null,
        resources: resources
      }};
    }
  };
})();
function __processPageAndSerializePoll() { return JSON.stringify(__vgrid.snapshot()); }
`

type scriptElement struct {
	id    string
	value goja.Value
}

func (e *scriptElement) ID() string { return e.id }

// ScriptDriver is a Driver backed by a goja runtime that evaluates a page
// fixture instead of a browser. It is safe for concurrent use; calls are
// serialized on one runtime.
type ScriptDriver struct {
	mu       sync.Mutex
	vm       *goja.Runtime
	elements int
}

// NewScriptDriver loads the prelude and the page fixture.
func NewScriptDriver(page string) (*ScriptDriver, error) {
	vm := goja.New()
	if _, err := vm.RunString(prelude); err != nil {
		return nil, fmt.Errorf("load prelude: %w", err)
	}
	if _, err := vm.RunString(page); err != nil {
		return nil, fmt.Errorf("load page: %w", err)
	}
	if p := vm.Get("page"); p == nil || goja.IsUndefined(p) {
		return nil, fmt.Errorf("load page: fixture does not define the global 'page'")
	}
	if _, err := vm.RunString("__vgrid.reset()"); err != nil {
		return nil, fmt.Errorf("load page: %w", err)
	}
	return &ScriptDriver{vm: vm}, nil
}

// run evaluates code and aborts it when ctx ends.
func (d *ScriptDriver) run(ctx context.Context, code string) (goja.Value, error) {
	stop := context.AfterFunc(ctx, func() { d.vm.Interrupt(ctx.Err()) })
	defer func() {
		stop()
		d.vm.ClearInterrupt()
	}()
	val, err := d.vm.RunString(code)
	if err != nil {
		return nil, fmt.Errorf("JavaScript error: %w", err)
	}
	return val, nil
}

// CurrentURL implements Driver.
func (d *ScriptDriver) CurrentURL(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	val, err := d.run(ctx, "__vgrid.url()")
	if err != nil {
		return "", err
	}
	return val.String(), nil
}

// ExecuteScript implements Driver. Element arguments are passed as the
// element objects they refer to.
func (d *ScriptDriver) ExecuteScript(ctx context.Context, script string, args ...any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	jsArgs := make([]any, len(args))
	for i, a := range args {
		if el, ok := a.(*scriptElement); ok {
			jsArgs[i] = el.value
			continue
		}
		jsArgs[i] = a
	}
	if err := d.vm.Set("__args", jsArgs); err != nil {
		return nil, fmt.Errorf("set arguments: %w", err)
	}
	val, err := d.run(ctx, fmt.Sprintf("(function() { %s }).apply(null, __args)", script))
	if err != nil {
		return nil, err
	}
	return val.Export(), nil
}

// SwitchToFrames implements Driver.
func (d *ScriptDriver) SwitchToFrames(ctx context.Context, path []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if path == nil {
		path = []string{}
	}
	if err := d.vm.Set("__path", path); err != nil {
		return err
	}
	val, err := d.run(ctx, "__vgrid.switchTo(__path)")
	if err != nil {
		return err
	}
	if missing := val.String(); missing != "" {
		return fmt.Errorf("%w: %s (path %s)", ErrNoSuchFrame, missing, strings.Join(path, "/"))
	}
	return nil
}

// FindElement implements Driver. Selectors are "#id", ".class" or a tag name.
func (d *ScriptDriver) FindElement(ctx context.Context, selector string) (Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.vm.Set("__selector", selector); err != nil {
		return nil, err
	}
	val, err := d.run(ctx, "__vgrid.find(__selector)")
	if err != nil {
		return nil, err
	}
	if goja.IsNull(val) || goja.IsUndefined(val) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchElement, selector)
	}
	d.elements++
	return &scriptElement{id: fmt.Sprintf("el-%d", d.elements), value: val}, nil
}
