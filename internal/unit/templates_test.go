package unit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/remu/internal/hypervisor/sim"
)

const net101XML = `<?xml version="1.0"?>
<xml>
  <workshop-settings>
    <name>Net101</name>
    <label>Networking 101</label>
    <description>Intro lab</description>
    <appliance>kali.ova</appliance>
    <appliance>router.ova</appliance>
    <vm>
      <name>kali</name>
      <intnet1>lan</intnet1>
      <intnet2>dmz</intnet2>
    </vm>
    <vm>
      <name>router</name>
    </vm>
  </workshop-settings>
</xml>`

func TestParseTemplate(t *testing.T) {
	tpl, err := ParseTemplate(strings.NewReader(net101XML))
	require.NoError(t, err)

	assert.Equal(t, "Net101", tpl.Name)
	assert.Equal(t, "Networking 101", tpl.Label)
	assert.Equal(t, "Intro lab", tpl.Description)
	assert.Equal(t, []string{"kali.ova", "router.ova"}, tpl.Appliances)

	kali, ok := tpl.VM("kali")
	require.True(t, ok)
	assert.Equal(t, []string{"lan", "dmz"}, kali.InternalNetworks)

	router, ok := tpl.VM("router")
	require.True(t, ok)
	assert.Empty(t, router.InternalNetworks)

	_, ok = tpl.VM("missing")
	assert.False(t, ok)
}

func TestParseTemplate_SettingsAsRoot(t *testing.T) {
	tpl, err := ParseTemplate(strings.NewReader(`<workshop-settings><name>Web200</name></workshop-settings>`))
	require.NoError(t, err)
	assert.Equal(t, "Web200", tpl.Name)
}

func TestParseTemplate_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed", `<xml><workshop-settings>`},
		{"no settings", `<xml><other/></xml>`},
		{"no name", `<workshop-settings><label>x</label></workshop-settings>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTemplate(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}

func writeTemplate(t *testing.T, dir, workshop, doc string) {
	t.Helper()
	path := filepath.Join(dir, workshop)
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "config.xml"), []byte(doc), 0o644))
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "Net101", net101XML)
	writeTemplate(t, dir, "Web200", `<workshop-settings><name>Web200</name><appliance>/srv/web.ova</appliance></workshop-settings>`)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))

	c, err := LoadCatalog(dir)
	require.NoError(t, err)

	all := c.All()
	require.Len(t, all, 2)
	assert.Equal(t, "Net101", all[0].Name)
	assert.Equal(t, "Web200", all[1].Name)

	net, ok := c.Get("Net101")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "Net101", "kali.ova"), net.Appliances[0])

	web, _ := c.Get("Web200")
	assert.Equal(t, []string{"/srv/web.ova"}, web.Appliances)
}

func TestLoadCatalog_MissingDir(t *testing.T) {
	c, err := LoadCatalog(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, c.All())
}

func TestLoadCatalog_BadTemplate(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "Broken", `<xml>`)

	_, err := LoadCatalog(dir)
	assert.Error(t, err)
}

func TestImportTemplates(t *testing.T) {
	ctx := context.Background()
	h, err := sim.Open("")
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Create(ctx, sim.Machine{Name: "web", Group: TemplateGroup("Web200")}))

	c := NewCatalog(
		Template{Name: "Net101", Appliances: []string{"/srv/net101/kali.ova", "/srv/net101/router.ova"}},
		Template{Name: "Web200", Appliances: []string{"/srv/web200/web.ova"}},
	)

	imported, err := ImportTemplates(ctx, h, c)
	require.NoError(t, err)
	assert.Equal(t, []string{"Net101"}, imported)

	for _, name := range []string{"kali", "router"} {
		vm, err := h.Get(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, "/Net101-Template", vm.Group)
		assert.Contains(t, vm.Snapshots, BaselineSnapshot)
	}

	// Importing twice is a no-op
	imported, err = ImportTemplates(ctx, h, c)
	require.NoError(t, err)
	assert.Empty(t, imported)

	m := NewManager(h, c, nil)
	names, err := m.Workshops(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Net101", "Web200"}, names)
}
