package providers_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/harbormaster/internal/sprout"
	"github.com/xkilldash9x/harbormaster/internal/sprout/providers"
)

func TestConnectResolvesDriverFromMetadata(t *testing.T) {
	p := &sprout.Provider{ID: "vsphere-1", Metadata: sprout.Metadata{"driver": "fake"}}
	client, err := providers.Connect(context.Background(), p)
	require.NoError(t, err)

	var reg sprout.Registry = sprout.StaticRegistry{p.ID: client}
	got, ok := reg.ClientFor("vsphere-1")
	require.True(t, ok)
	require.NoError(t, got.Deploy(context.Background(), "rhel-94", "vm-1"))
	state, err := got.CurrentPowerState(context.Background(), "vm-1")
	require.NoError(t, err)
	assert.Equal(t, sprout.PowerOn, state)
}

func TestConnectRejectsMissingOrUnknownDriver(t *testing.T) {
	_, err := providers.Connect(context.Background(), &sprout.Provider{ID: "p1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no driver configured")

	_, err = providers.Connect(context.Background(), &sprout.Provider{
		ID:       "p2",
		Metadata: sprout.Metadata{"driver": "openstack"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown driver "openstack"`)
}

func TestRateLimitedPreservesClientContract(t *testing.T) {
	fake := providers.NewFake()
	fake.AddTemplate("rhel-94", "5.11.0")

	var client sprout.Client = providers.RateLimit(fake, 100, 10)
	require.NoError(t, client.Deploy(context.Background(), "rhel-94", "vm-1"))

	infos, err := client.ListTemplates(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, sprout.TemplateInfo{Name: "rhel-94", Version: "5.11.0"}, infos[0])

	ip, err := client.VMIP(context.Background(), "vm-1")
	require.NoError(t, err)
	assert.NotEmpty(t, ip)
}
