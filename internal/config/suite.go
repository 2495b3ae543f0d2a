package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/me/vgrid/pkg/model"
)

// Page is one test of a suite: a page fixture and the checks run against it.
type Page struct {
	// Name is the test name on the grid.
	Name string `yaml:"name"`
	// Fixture is the path of the page script, relative to the suite file.
	Fixture string `yaml:"fixture"`
	// Script is the inline page script; Fixture is read into it on load.
	Script string                  `yaml:"script"`
	Checks []model.CheckDescriptor `yaml:"checks"`
}

// Suite is a run description: the client configuration and the pages to test.
type Suite struct {
	Config Config `yaml:"config"`
	Pages  []Page `yaml:"pages"`
}

// LoadSuite reads a suite file, loads its fixtures and applies the
// environment to its configuration. It does not validate.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite %s: %w", path, err)
	}
	suite := &Suite{Config: Default()}
	if err := decodeStrict(data, suite); err != nil {
		return nil, fmt.Errorf("parse suite %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for i := range suite.Pages {
		p := &suite.Pages[i]
		if p.Fixture == "" {
			continue
		}
		fixture := p.Fixture
		if !filepath.IsAbs(fixture) {
			fixture = filepath.Join(dir, fixture)
		}
		script, err := os.ReadFile(fixture)
		if err != nil {
			return nil, fmt.Errorf("page %s: read fixture: %w", p.Name, err)
		}
		p.Script = string(script)
	}

	if err := suite.Config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return suite, nil
}

// Validate checks the configuration and every page.
func (s *Suite) Validate() error {
	var fields []model.FieldError
	if err := s.Config.Validate(); err != nil {
		fields = append(fields, err.(*model.ConfigError).Fields...)
	}
	if len(s.Pages) == 0 {
		fields = append(fields, model.FieldError{Field: "pages", Message: "at least one page is required"})
	}
	seen := make(map[string]bool, len(s.Pages))
	for i, p := range s.Pages {
		prefix := fmt.Sprintf("pages[%d]", i)
		switch {
		case p.Name == "":
			fields = append(fields, model.FieldError{Field: prefix + ".name", Message: "is required"})
		case seen[p.Name]:
			fields = append(fields, model.FieldError{Field: prefix + ".name", Message: fmt.Sprintf("duplicate page %q", p.Name)})
		}
		seen[p.Name] = true
		if p.Script == "" {
			fields = append(fields, model.FieldError{Field: prefix, Message: "fixture or script is required"})
		}
		if len(p.Checks) == 0 {
			fields = append(fields, model.FieldError{Field: prefix + ".checks", Message: "at least one check is required"})
		}
	}
	if len(fields) > 0 {
		return &model.ConfigError{Fields: fields}
	}
	return nil
}
