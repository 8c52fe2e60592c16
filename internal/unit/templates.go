package unit

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/remu/internal/hypervisor"
)

// TemplateVM is the per-machine part of a workshop template
type TemplateVM struct {
	Name             string   // Template machine name
	InternalNetworks []string // Network name prefixes, one per adapter
}

// Template describes a workshop as shipped in the templates directory
type Template struct {
	Name        string       // Workshop name
	Label       string       // Optional display label
	Description string       // Optional description
	Appliances  []string     // Absolute paths of the appliances to import
	VMs         []TemplateVM // Machine settings
}

// VM returns the settings of the named template machine
func (t Template) VM(name string) (TemplateVM, bool) {
	for _, vm := range t.VMs {
		if vm.Name == name {
			return vm, true
		}
	}
	return TemplateVM{}, false
}

type xmlField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type xmlVM struct {
	Name   string     `xml:"name"`
	Fields []xmlField `xml:",any"`
}

type xmlSettings struct {
	Name        string   `xml:"name"`
	Label       string   `xml:"label"`
	Description string   `xml:"description"`
	Appliances  []string `xml:"appliance"`
	VMs         []xmlVM  `xml:"vm"`
}

type xmlDocument struct {
	XMLName  xml.Name
	Settings *xmlSettings `xml:"workshop-settings"`
}

// ParseTemplate reads a config.xml. The workshop-settings element may be the
// document root or a direct child of it.
func ParseTemplate(r io.Reader) (Template, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Template{}, err
	}

	var doc xmlDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return Template{}, fmt.Errorf("failed to parse template: %w", err)
	}

	settings := doc.Settings
	if doc.XMLName.Local == "workshop-settings" {
		settings = &xmlSettings{}
		if err := xml.Unmarshal(data, settings); err != nil {
			return Template{}, fmt.Errorf("failed to parse template: %w", err)
		}
	}
	if settings == nil {
		return Template{}, errors.New("template has no workshop-settings element")
	}

	t := Template{
		Name:        strings.TrimSpace(settings.Name),
		Label:       strings.TrimSpace(settings.Label),
		Description: strings.TrimSpace(settings.Description),
	}
	if t.Name == "" {
		return Template{}, errors.New("template has no name")
	}
	for _, app := range settings.Appliances {
		if app = strings.TrimSpace(app); app != "" {
			t.Appliances = append(t.Appliances, app)
		}
	}
	for _, vm := range settings.VMs {
		tvm := TemplateVM{Name: strings.TrimSpace(vm.Name)}
		for _, f := range vm.Fields {
			if strings.Contains(strings.ToLower(f.XMLName.Local), "intnet") {
				tvm.InternalNetworks = append(tvm.InternalNetworks, strings.TrimSpace(f.Value))
			}
		}
		t.VMs = append(t.VMs, tvm)
	}
	return t, nil
}

// Catalog holds the templates found in the templates directory
type Catalog struct {
	dir       string
	templates map[string]Template
}

// NewCatalog builds a catalog from already parsed templates
func NewCatalog(templates ...Template) *Catalog {
	c := &Catalog{templates: make(map[string]Template)}
	for _, t := range templates {
		c.templates[t.Name] = t
	}
	return c
}

// LoadCatalog reads <dir>/<workshop>/config.xml for every subdirectory of dir.
// A missing directory yields an empty catalog.
func LoadCatalog(dir string) (*Catalog, error) {
	c := NewCatalog()
	c.dir = dir

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.WithField("dir", dir).Warn("templates directory does not exist")
			return c, nil
		}
		return nil, fmt.Errorf("failed to read templates directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), "config.xml")
		t, err := parseTemplateFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for i, app := range t.Appliances {
			if !filepath.IsAbs(app) {
				t.Appliances[i] = filepath.Join(dir, entry.Name(), app)
			}
		}
		c.templates[t.Name] = t
	}
	return c, nil
}

func parseTemplateFile(path string) (Template, error) {
	f, err := os.Open(path)
	if err != nil {
		return Template{}, err
	}
	defer f.Close()
	return ParseTemplate(f)
}

// Get returns the template of a workshop
func (c *Catalog) Get(name string) (Template, bool) {
	t, ok := c.templates[name]
	return t, ok
}

// All returns every template sorted by name
func (c *Catalog) All() []Template {
	out := make([]Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ImportTemplates registers on the hypervisor every catalog template whose
// template group does not exist yet, and returns the imported workshop names.
func ImportTemplates(ctx context.Context, driver hypervisor.Driver, catalog *Catalog) ([]string, error) {
	groups, err := driver.Groups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	existing := make(map[string]bool)
	for _, g := range groups {
		if name, ok := workshopFromTemplateGroup(g); ok {
			existing[name] = true
		}
	}

	var imported []string
	for _, t := range catalog.All() {
		logger := log.WithField("workshop", t.Name)
		if existing[t.Name] {
			logger.Debug("template already imported")
			continue
		}
		if err := importTemplate(ctx, driver, t, logger); err != nil {
			return imported, fmt.Errorf("failed to import %s: %w", t.Name, err)
		}
		logger.Info("template imported")
		imported = append(imported, t.Name)
	}
	return imported, nil
}

func importTemplate(ctx context.Context, driver hypervisor.Driver, t Template, logger *log.Entry) error {
	group := TemplateGroup(t.Name)
	for _, app := range t.Appliances {
		logger.WithField("appliance", app).Info("importing appliance")
		machines, err := driver.Import(ctx, app)
		if err != nil {
			return err
		}
		for _, m := range machines {
			logger.WithField("machine", m).Info("registering template machine")
			if err := driver.SetGroup(ctx, m, group); err != nil {
				return err
			}
			if err := driver.TakeSnapshot(ctx, m, BaselineSnapshot); err != nil {
				return err
			}
		}
	}
	return nil
}
