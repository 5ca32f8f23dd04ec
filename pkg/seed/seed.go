// Package seed imports mock routes from YAML or JSON files.
//
// A route file holds a single route or a list of routes:
//
//	- method: GET
//	  path: /users
//	  statusCode: 200
//	  mock:
//	    users: [{id: 1, name: Ada}]
//	- routeId: login
//	  method: POST
//	  path: /login
//	  enabled: false
//
// Routes without a routeId get an id derived from method and path, so
// importing the same files again updates the routes instead of duplicating
// them. ${VAR} and ${VAR:-default} references are expanded from the
// environment.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/getmockd/prock/internal/id"
	"github.com/getmockd/prock/pkg/config"
	"github.com/getmockd/prock/pkg/route"
	"github.com/getmockd/prock/pkg/store"
)

// fileRoute is the on-disk form of a route. The mock value is any YAML or
// JSON document and is re-encoded as JSON.
type fileRoute struct {
	RouteID    string `yaml:"routeId"`
	Method     string `yaml:"method"`
	Path       string `yaml:"path"`
	StatusCode int    `yaml:"statusCode"`
	Mock       any    `yaml:"mock"`
	Enabled    *bool  `yaml:"enabled"`
}

// fileContent accepts either a single route or a sequence of routes.
type fileContent struct {
	Routes []fileRoute
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *fileContent) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		return node.Decode(&c.Routes)
	}
	var single fileRoute
	if err := node.Decode(&single); err != nil {
		return err
	}
	c.Routes = []fileRoute{single}
	return nil
}

// Result summarizes an import.
type Result struct {
	Files   []string
	Created int
	Updated int
}

// Expand resolves glob patterns relative to baseDir. ** matches any number
// of directories. Matches are sorted and deduplicated.
func Expand(patterns []string, baseDir string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, p := range patterns {
		if !filepath.IsAbs(p) && baseDir != "" {
			p = filepath.Join(baseDir, p)
		}
		matches, err := doublestar.FilepathGlob(p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("expanding %q: %w", p, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// LoadFile parses one route file into DTOs.
func LoadFile(path string) ([]route.DTO, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("file is empty: %s", path)
	}

	var content fileContent
	if err := yaml.Unmarshal([]byte(config.ExpandEnvVars(string(data))), &content); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	dtos := make([]route.DTO, 0, len(content.Routes))
	for i, fr := range content.Routes {
		dto, err := fr.toDTO()
		if err != nil {
			return nil, fmt.Errorf("%s: route %d: %w", path, i, err)
		}
		dtos = append(dtos, dto)
	}
	return dtos, nil
}

// Load expands patterns and parses every matched file. Files that fail to
// parse are reported together; the routes of the other files are still
// returned.
func Load(patterns []string, baseDir string) ([]route.DTO, []string, error) {
	files, err := Expand(patterns, baseDir)
	if err != nil {
		return nil, nil, err
	}
	var (
		dtos []route.DTO
		errs error
	)
	for _, f := range files {
		loaded, err := LoadFile(f)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		dtos = append(dtos, loaded...)
	}
	return dtos, files, errs
}

// Import writes every route matched by patterns into routes, creating new
// records and updating existing ones. It does not touch the route table;
// callers rebuild afterwards.
func Import(ctx context.Context, routes store.RouteStore, patterns []string, baseDir string) (Result, error) {
	dtos, files, errs := Load(patterns, baseDir)
	res := Result{Files: files}

	for _, dto := range dtos {
		rec, err := dto.ToRecord()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s %s: %w", dto.Method, dto.Path, err))
			continue
		}
		if rec.ID == "" {
			rec.ID = id.ForKey(rec.Method, rec.Path)
		}

		err = routes.Create(ctx, rec)
		switch {
		case err == nil:
			res.Created++
		case errors.Is(err, store.ErrAlreadyExists):
			if err := routes.Update(ctx, rec); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("updating %s: %w", rec.ID, err))
				continue
			}
			res.Updated++
		default:
			errs = multierr.Append(errs, fmt.Errorf("creating %s: %w", rec.ID, err))
		}
	}
	return res, errs
}

func (fr fileRoute) toDTO() (route.DTO, error) {
	dto := route.DTO{
		RouteID:    fr.RouteID,
		Method:     fr.Method,
		Path:       fr.Path,
		StatusCode: fr.StatusCode,
		Enabled:    fr.Enabled,
	}
	if fr.Mock != nil {
		body, err := json.Marshal(fr.Mock)
		if err != nil {
			return dto, fmt.Errorf("encoding mock as JSON: %w", err)
		}
		dto.Mock = body
	}
	return dto, nil
}
