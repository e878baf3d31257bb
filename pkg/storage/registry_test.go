package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/storage"
	"github.com/supporttools/GoDRGuard/pkg/storage/memory"
)

func TestRegistryResolve(t *testing.T) {
	reg := storage.NewRegistry()
	east := memory.New()
	reg.Register(storage.Target{Name: "east", Kind: "memory", Region: "us-east-1", Bucket: "b", Prefix: "backups/"}, east)
	reg.Register(storage.Target{Name: "west", Kind: "memory", Region: "us-west-2", Bucket: "b"}, memory.New())
	reg.Register(storage.Target{Name: "glacier", Kind: "memory", Region: "us-east-1", Bucket: "cold", Archive: true}, memory.New())

	s, err := reg.Resolve(storage.Location{Backend: "east", Region: "us-east-1"})
	require.NoError(t, err)
	assert.Same(t, east, s)

	_, err = reg.Resolve(storage.Location{Backend: "east", Region: "eu-west-1"})
	assert.Equal(t, drerrors.ClassConfiguration, drerrors.ClassOf(err))

	_, err = reg.Resolve(storage.Location{Backend: "nope"})
	assert.Error(t, err)

	assert.Len(t, reg.Targets(), 2)
	assert.Equal(t, []string{"us-east-1", "us-west-2"}, reg.Regions())
	require.Len(t, reg.InRegion("us-west-2"), 1)

	archive, ok := reg.ArchiveTarget()
	require.True(t, ok)
	assert.Equal(t, "glacier", archive.Name)

	target, _ := reg.Target("east")
	assert.Equal(t, "backups/full/x", target.Location("full/x").Key)
}

func TestRegistryPing(t *testing.T) {
	reg := storage.NewRegistry()
	bad := memory.New()
	bad.SetPingError(errors.New("down"))
	reg.Register(storage.Target{Name: "ok", Region: "r"}, memory.New())
	reg.Register(storage.Target{Name: "bad", Region: "r"}, bad)

	results := reg.Ping(context.Background())
	assert.NoError(t, results["ok"])
	assert.Error(t, results["bad"])
}
