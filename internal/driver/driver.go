// Package driver defines the local page driver the check path uses to resolve
// selectors and run the in-page capture script, plus an embedded-JavaScript
// implementation that evaluates page fixtures.
package driver

import (
	"context"
	"errors"
)

// ErrNoSuchElement is returned by FindElement when nothing matches.
var ErrNoSuchElement = errors.New("no such element")

// ErrNoSuchFrame is returned by SwitchToFrames for an unknown frame name.
var ErrNoSuchFrame = errors.New("no such frame")

// Element is an opaque handle to an element of the current frame. It may be
// passed back to ExecuteScript as an argument.
type Element interface {
	ID() string
}

// Driver controls the page under test.
type Driver interface {
	// CurrentURL returns the URL of the current frame.
	CurrentURL(ctx context.Context) (string, error)

	// ExecuteScript runs script as a function body; args are visible as arguments[i].
	ExecuteScript(ctx context.Context, script string, args ...any) (any, error)

	// SwitchToFrames selects the frame reached by following path from the top
	// document. An empty path selects the top document.
	SwitchToFrames(ctx context.Context, path []string) error

	// FindElement returns the first element of the current frame matching selector.
	FindElement(ctx context.Context, selector string) (Element, error)
}

// XPathScript returns the absolute XPath of arguments[0].
const XPathScript = `var el = arguments[0];
var xpath = '';
do {
  var parent = el.parentElement;
  var index = 1;
  if (parent !== null) {
    var children = parent.children;
    for (var i = 0; i < children.length; i++) {
      var child = children[i];
      if (child === el) break;
      if (child.tagName === el.tagName) index++;
    }
  }
  xpath = '/' + el.tagName + '[' + index + ']' + xpath;
  el = parent;
} while (el !== null);
return '/' + xpath;`

// CaptureScript polls the page serializer. It returns a JSON encoded capture
// response on every call until the snapshot is complete.
const CaptureScript = `return __processPageAndSerializePoll();`
