package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Platform identifies the operating system a target renders on.
type Platform struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// Browser identifies the browser a target renders with.
type Browser struct {
	Name string `json:"name" yaml:"name"`
}

// RenderTarget is one browser/viewport/platform combination a test runs against.
type RenderTarget struct {
	Name            string   `json:"name,omitempty" yaml:"name,omitempty"`
	Width           int      `json:"width" yaml:"width"`
	Height          int      `json:"height" yaml:"height"`
	Browser         Browser  `json:"browser" yaml:"browser"`
	Platform        Platform `json:"platform" yaml:"platform"`
	DeviceName      string   `json:"deviceName,omitempty" yaml:"device_name,omitempty"`
	BaselineEnvName string   `json:"baselineEnvName,omitempty" yaml:"baseline_env_name,omitempty"`
}

// Key returns a stable identity for the target.
func (t RenderTarget) Key() string {
	if t.Name != "" {
		return t.Name
	}
	if t.DeviceName != "" {
		return fmt.Sprintf("%s/%s", t.Browser.Name, t.DeviceName)
	}
	return fmt.Sprintf("%s/%s/%dx%d", t.Browser.Name, t.Platform.Name, t.Width, t.Height)
}

// Selector is a concrete element locator resolved in the page, sent to the grid
// so it can report the element's region in the rendered image.
type Selector struct {
	Type     string `json:"type"`
	Selector string `json:"selector"`
	Category string `json:"category,omitempty"`
}

// Region is an absolute rectangle in page coordinates.
type Region struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// RenderInfo describes the viewport and what part of the page to render.
type RenderInfo struct {
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	SizeMode SizeMode  `json:"sizeMode"`
	Selector *Selector `json:"selector,omitempty"`
	Region   *Region   `json:"region,omitempty"`
}

// Resource is one page resource captured with the snapshot.
type Resource struct {
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"-"`
	Hash        string `json:"hash"`
	HashFormat  string `json:"hashFormat"`
}

// NewResource builds a Resource and computes its content hash.
func NewResource(url, contentType string, content []byte) Resource {
	return Resource{
		URL:         url,
		ContentType: contentType,
		Content:     content,
		Hash:        HashContent(content),
		HashFormat:  "sha256",
	}
}

// HashContent returns the hex SHA-256 digest used as a resource's content identity.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// DomSnapshot is the serialized DOM tree of a captured page.
type DomSnapshot struct {
	Hash       string `json:"hash"`
	HashFormat string `json:"hashFormat"`
	Content    []byte `json:"-"`
}

// Snapshot is what the capture script produces for one check.
type Snapshot struct {
	URL       string
	Dom       DomSnapshot
	Resources map[string]Resource
}

// ScriptResponse is the envelope the in-page capture script returns on every poll.
type ScriptResponse struct {
	Status RenderStatus   `json:"status"`
	Value  map[string]any `json:"value,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// RenderRequest is the wire payload of an OPEN or CHECK render job.
type RenderRequest struct {
	RenderID                  string              `json:"renderId"`
	TestID                    string              `json:"testId"`
	StepName                  string              `json:"stepName,omitempty"`
	AgentID                   string              `json:"agentId,omitempty"`
	URL                       string              `json:"url"`
	Snapshot                  DomSnapshot         `json:"snapshot"`
	Resources                 map[string]Resource `json:"resources"`
	RenderInfo                RenderInfo          `json:"renderInfo"`
	Platform                  Platform            `json:"platform"`
	Browser                   Browser             `json:"browser"`
	SelectorsToFindRegionsFor []Selector          `json:"selectorsToFindRegionsFor"`
	ScriptHooks               map[string]string   `json:"scriptHooks,omitempty"`
	SendDom                   bool                `json:"sendDom"`
	Options                   map[string]any      `json:"options,omitempty"`
}

// Uploads returns the DOM and every distinct resource, one entry per content hash,
// ordered by URL so repeated calls produce the same sequence.
func (r *RenderRequest) Uploads() []Resource {
	urls := make([]string, 0, len(r.Resources))
	for url := range r.Resources {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	seen := make(map[string]bool, len(urls)+1)
	out := make([]Resource, 0, len(urls)+1)
	if r.Snapshot.Hash != "" {
		seen[r.Snapshot.Hash] = true
		out = append(out, Resource{
			URL:         r.URL,
			ContentType: "application/x-vgrid-dom+json",
			Content:     r.Snapshot.Content,
			Hash:        r.Snapshot.Hash,
			HashFormat:  r.Snapshot.HashFormat,
		})
	}
	for _, url := range urls {
		res := r.Resources[url]
		if seen[res.Hash] {
			continue
		}
		seen[res.Hash] = true
		out = append(out, res)
	}
	return out
}

// RenderStatusResponse is returned when polling a render.
type RenderStatusResponse struct {
	RenderID      string       `json:"renderId"`
	Status        RenderStatus `json:"status"`
	ImageLocation string       `json:"imageLocation,omitempty"`
	DomLocation   string       `json:"domLocation,omitempty"`
	Selectors     []Region     `json:"selectorRegions,omitempty"`
	Error         string       `json:"error,omitempty"`
}
