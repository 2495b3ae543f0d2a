package capture

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/me/vgrid/internal/driver"
	"github.com/me/vgrid/pkg/model"
)

// DriverSource polls the serializer through a Driver.
type DriverSource struct {
	driver driver.Driver
	script string
}

// NewDriverSource polls with driver.CaptureScript.
func NewDriverSource(d driver.Driver) *DriverSource {
	return &DriverSource{driver: d, script: driver.CaptureScript}
}

// CaptureSnapshot implements Source. The script returns the response as JSON text.
func (s *DriverSource) CaptureSnapshot(ctx context.Context) (model.ScriptResponse, error) {
	raw, err := s.driver.ExecuteScript(ctx, s.script)
	if err != nil {
		return model.ScriptResponse{}, err
	}
	text, ok := raw.(string)
	if !ok {
		return model.ScriptResponse{}, fmt.Errorf("capture script returned %T, want a JSON string", raw)
	}
	var resp model.ScriptResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return model.ScriptResponse{}, fmt.Errorf("decode capture response: %w", err)
	}
	return resp, nil
}

// capturedResource is one entry of the serializer's "resources" list.
type capturedResource struct {
	URL      string `json:"url"`
	Type     string `json:"type"`
	Value    string `json:"value"`
	Encoding string `json:"encoding,omitempty"`
}

// capturedPage is the value of a COMPLETE serializer response.
type capturedPage struct {
	URL       string             `json:"url"`
	Dom       json.RawMessage    `json:"dom"`
	Resources []capturedResource `json:"resources"`
}

// ToSnapshot converts a COMPLETE response value into a Snapshot. The DOM is
// kept as canonical JSON and hashed like any other resource; base64 resources
// are decoded before hashing.
func ToSnapshot(value map[string]any) (model.Snapshot, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("encode capture value: %w", err)
	}
	var page capturedPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return model.Snapshot{}, fmt.Errorf("decode capture value: %w", err)
	}
	if len(page.Dom) == 0 || string(page.Dom) == "null" {
		return model.Snapshot{}, fmt.Errorf("capture value has no dom")
	}

	snap := model.Snapshot{
		URL: page.URL,
		Dom: model.DomSnapshot{
			Hash:       model.HashContent(page.Dom),
			HashFormat: "sha256",
			Content:    []byte(page.Dom),
		},
		Resources: make(map[string]model.Resource, len(page.Resources)),
	}
	for _, r := range page.Resources {
		content := []byte(r.Value)
		if r.Encoding == "base64" {
			content, err = base64.StdEncoding.DecodeString(r.Value)
			if err != nil {
				return model.Snapshot{}, fmt.Errorf("decode resource %s: %w", r.URL, err)
			}
		}
		snap.Resources[r.URL] = model.NewResource(r.URL, r.Type, content)
	}
	return snap, nil
}
