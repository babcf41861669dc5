package catalog_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agdd-project/agdd-core/catalog"
)

func TestRegisterRejectsSAGWithoutEntrypoint(t *testing.T) {
	c := catalog.NewInMemoryCatalog()
	err := c.Register(catalog.Descriptor{Slug: "compensation-advisor-sag", Kind: catalog.KindSAG})
	require.Error(t, err)
}

func TestRegisterRejectsUnknownKind(t *testing.T) {
	c := catalog.NewInMemoryCatalog()
	err := c.Register(catalog.Descriptor{Slug: "mystery", Kind: "bogus"})
	require.Error(t, err)
}

func TestRegisterAndResolveRoundTrip(t *testing.T) {
	c := catalog.NewInMemoryCatalog()
	entry := catalog.Descriptor{
		Slug: "offer-orchestrator-mag",
		Kind: catalog.KindMAG,
		Name: "OfferOrchestratorMAG",
		Metadata: map[string]any{
			"default_sag": "compensation-advisor-sag",
		},
	}
	require.NoError(t, c.Register(entry))

	got, ok := c.Resolve("offer-orchestrator-mag")
	require.True(t, ok)
	require.Equal(t, "OfferOrchestratorMAG", got.Name)

	_, ok = c.Resolve("nonexistent")
	require.False(t, ok)
}

func TestListOrdersBySlug(t *testing.T) {
	c := catalog.NewInMemoryCatalog()
	require.NoError(t, c.Register(catalog.Descriptor{Slug: "zeta-mag", Kind: catalog.KindMAG}))
	require.NoError(t, c.Register(catalog.Descriptor{
		Slug: "alpha-sag", Kind: catalog.KindSAG,
		Entrypoint: func(ctx context.Context, input map[string]any) (map[string]any, error) { return input, nil },
	}))

	list := c.List()
	require.Len(t, list, 2)
	require.Equal(t, "alpha-sag", list[0].Slug)
	require.Equal(t, "zeta-mag", list[1].Slug)
}

func TestLoadYAMLDescriptorsWithoutSchema(t *testing.T) {
	dir := t.TempDir()
	writeAgentYAML(t, dir+"/offer-orchestrator-mag/agent.yaml", `
slug: offer-orchestrator-mag
kind: mag
name: OfferOrchestratorMAG
version: "0.1.0"
metadata:
  default_sag: compensation-advisor-sag
`)

	descriptors, err := catalog.LoadYAMLDescriptors(dir, "")
	require.NoError(t, err)
	require.Len(t, descriptors, 1)
	require.Equal(t, "offer-orchestrator-mag", descriptors[0].Slug)
	require.Equal(t, catalog.KindMAG, descriptors[0].Kind)
	require.Equal(t, "compensation-advisor-sag", descriptors[0].Metadata["default_sag"])
}

func writeAgentYAML(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}
