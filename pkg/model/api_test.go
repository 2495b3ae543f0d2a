package model

import (
	"encoding/json"
	"testing"
)

func TestListOptions_Clamp(t *testing.T) {
	tests := []struct {
		name       string
		input      ListOptions
		wantLimit  int
		wantOffset int
	}{
		{"zero", ListOptions{}, 20, 0},
		{"negative limit", ListOptions{Limit: -1}, 20, 0},
		{"over max", ListOptions{Limit: 500}, 100, 0},
		{"negative offset", ListOptions{Limit: 5, Offset: -10}, 5, 0},
		{"batch filter kept", ListOptions{Limit: 30, Offset: 3, BatchID: "b1"}, 30, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := tt.input.BatchID
			tt.input.Clamp()
			if tt.input.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", tt.input.Limit, tt.wantLimit)
			}
			if tt.input.Offset != tt.wantOffset {
				t.Errorf("Offset = %d, want %d", tt.input.Offset, tt.wantOffset)
			}
			if tt.input.BatchID != batch {
				t.Errorf("BatchID = %q, want %q", tt.input.BatchID, batch)
			}
		})
	}
}

func TestRenderRequest_WireNames(t *testing.T) {
	req := RenderRequest{
		RenderID:   "r1",
		TestID:     "t1",
		URL:        "https://example.com",
		RenderInfo: RenderInfo{Width: 800, Height: 600, SizeMode: SizeModeFullPage},
		Platform:   Platform{Name: "linux", Type: "web"},
		Browser:    Browser{Name: "chrome"},
		SendDom:    true,
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"renderId", "testId", "url", "snapshot", "resources", "renderInfo",
		"platform", "browser", "selectorsToFindRegionsFor", "sendDom"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("wire payload missing %q: %s", key, data)
		}
	}
	info := raw["renderInfo"].(map[string]any)
	if info["sizeMode"] != "full-page" {
		t.Errorf("renderInfo.sizeMode = %v, want full-page", info["sizeMode"])
	}
}

func TestRenderRequest_UploadsDeduplicatesByHash(t *testing.T) {
	shared := []byte("body { color: red }")
	req := RenderRequest{
		URL:      "https://example.com",
		Snapshot: DomSnapshot{Hash: HashContent([]byte("<dom>")), HashFormat: "sha256", Content: []byte("<dom>")},
		Resources: map[string]Resource{
			"https://example.com/b.css": NewResource("https://example.com/b.css", "text/css", shared),
			"https://example.com/a.css": NewResource("https://example.com/a.css", "text/css", shared),
			"https://example.com/x.png": NewResource("https://example.com/x.png", "image/png", []byte{1, 2, 3}),
		},
	}

	uploads := req.Uploads()
	if len(uploads) != 3 {
		t.Fatalf("len(Uploads) = %d, want 3 (dom + 2 distinct)", len(uploads))
	}
	if uploads[0].Hash != req.Snapshot.Hash {
		t.Errorf("first upload = %s, want the DOM", uploads[0].URL)
	}
	if uploads[1].URL != "https://example.com/a.css" {
		t.Errorf("second upload = %s, want a.css (first by URL)", uploads[1].URL)
	}
}
