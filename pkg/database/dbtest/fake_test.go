package dbtest

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
)

func TestDumpRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := New("shop")
	p.AddTable("orders", "1,widget", "2,gadget", "3,gizmo")
	p.SetSchemaObjects(1, 2, 0, 1)

	var buf bytes.Buffer
	require.NoError(t, p.Dump(ctx, common.DumpOptions{Kind: "full"}, &buf))
	assert.Equal(t, "mysql", common.SniffDump(buf.Bytes()))

	target := common.Target{Database: "restore_1"}
	require.NoError(t, p.CreateDatabase(ctx, target))
	require.NoError(t, p.Restore(ctx, target, &buf))

	in, err := p.Inspect(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, int64(3), in.TotalRows())
	assert.Equal(t, 1, in.ForeignKeys)

	n, err := p.SampleRows(ctx, target, "orders", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, p.DropDatabase(ctx, target))
	_, ok := p.Database("restore_1")
	assert.False(t, ok)
}

func TestRestoreRejectsForeignInput(t *testing.T) {
	p := New("shop")
	err := p.Restore(context.Background(), common.Target{Database: "x"}, bytes.NewBufferString("hello\n"))
	assert.Error(t, err)
}
