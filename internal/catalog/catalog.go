// Package catalog loads scenarios from the built-in set and from scenario
// directories, and selects the ones a run asks for.
package catalog

import (
	"embed"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/copyleftdev/scryrun/internal/errs"
	"github.com/copyleftdev/scryrun/internal/scenario"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Catalog is an immutable, name-indexed set of scenarios in load order.
type Catalog struct {
	scenarios []scenario.Scenario
	byName    map[string]int
}

// Builtin returns the scenarios shipped with the binary.
func Builtin() (*Catalog, error) {
	c := newCatalog()
	if err := c.addFS(builtinFS, "builtin", "builtin:"); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads the built-in scenarios (when builtins is set) followed by every
// *.yaml and *.yml file under dirs. A scenario name may only be defined once.
func Load(dirs []string, builtins bool) (*Catalog, error) {
	c := newCatalog()
	if builtins {
		if err := c.addFS(builtinFS, "builtin", "builtin:"); err != nil {
			return nil, err
		}
	}
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidScenario, err, "scenario directory")
		}
		if !info.IsDir() {
			if err := c.addFile(dir); err != nil {
				return nil, err
			}
			continue
		}
		if err := c.addFS(os.DirFS(dir), ".", dir+string(filepath.Separator)); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func newCatalog() *Catalog {
	return &Catalog{byName: make(map[string]int)}
}

func isScenarioFile(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func (c *Catalog) addFS(fsys fs.FS, root, prefix string) error {
	return fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isScenarioFile(p) {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		return c.add(data, prefix+filepath.FromSlash(strings.TrimPrefix(p, root+"/")))
	})
}

func (c *Catalog) addFile(name string) error {
	data, err := os.ReadFile(name)
	if err != nil {
		return errs.Wrap(errs.InvalidScenario, err, "read %s", name)
	}
	return c.add(data, name)
}

func (c *Catalog) add(data []byte, source string) error {
	scs, err := scenario.Parse(data, source)
	if err != nil {
		return err
	}
	for _, sc := range scs {
		if i, dup := c.byName[sc.Name]; dup {
			return errs.New(errs.InvalidScenario, "scenario %q defined in both %s and %s", sc.Name, c.scenarios[i].Source, source)
		}
		c.byName[sc.Name] = len(c.scenarios)
		c.scenarios = append(c.scenarios, sc)
	}
	return nil
}

// All returns every scenario in load order.
func (c *Catalog) All() []scenario.Scenario {
	return slices.Clone(c.scenarios)
}

func (c *Catalog) Len() int { return len(c.scenarios) }

// Get returns the scenario called name.
func (c *Catalog) Get(name string) (scenario.Scenario, bool) {
	i, ok := c.byName[name]
	if !ok {
		return scenario.Scenario{}, false
	}
	return c.scenarios[i], true
}

// Select returns the scenarios matching filter and carrying at least one of
// tags. An empty filter or tag list matches everything. A filter containing
// glob metacharacters is matched as a glob against the whole name, otherwise
// as a substring. Selecting nothing is an error.
func (c *Catalog) Select(filter string, tags []string) ([]scenario.Scenario, error) {
	glob := strings.ContainsAny(filter, "*?[")
	if glob {
		if _, err := path.Match(filter, ""); err != nil {
			return nil, errs.Wrap(errs.InvalidScenario, err, "filter %q", filter)
		}
	}

	var out []scenario.Scenario
	for _, sc := range c.scenarios {
		if filter != "" {
			var ok bool
			if glob {
				ok, _ = path.Match(filter, sc.Name)
			} else {
				ok = strings.Contains(sc.Name, filter)
			}
			if !ok {
				continue
			}
		}
		if len(tags) > 0 && !slices.ContainsFunc(tags, sc.HasTag) {
			continue
		}
		out = append(out, sc)
	}
	if len(out) == 0 {
		return nil, errs.New(errs.InvalidScenario, "no scenarios match filter %q tags %v", filter, tags)
	}
	return out, nil
}
