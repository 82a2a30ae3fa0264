/*************************************************************************
 * Copyright 2024 The Featherstitch Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[global]
Log-Level=DEBUG
Control-Socket=/tmp/fstitchd-test.sock

[Device "disk"]
Type=file
Path=/tmp/disk.img
Block-Size=4KB

[Device "cache"]
Type=wbcache
On=disk
Dirty-Blocks=256
Clean-Blocks=1024

[Device "journal"]
Type=journal
On=cache
Commit-MS=100
`

func TestLoadSample(t *testing.T) {
	c, err := LoadBytes([]byte(sampleConfig))
	require.NoError(t, err)
	require.Equal(t, `DEBUG`, c.Global.Log_Level)
	require.Equal(t, `/tmp/fstitchd-test.sock`, c.Global.Control_Socket)
	require.Len(t, c.Device, 3)

	disk := c.Device[`disk`]
	require.NotNil(t, disk)
	require.Equal(t, `file`, disk.Type)
	bs, err := disk.BlockSizeBytes()
	require.NoError(t, err)
	require.EqualValues(t, 4096, bs)

	cache := c.Device[`cache`]
	require.NotNil(t, cache)
	require.Equal(t, `disk`, cache.On)
	require.EqualValues(t, 256, cache.Dirty_Blocks)
}

func TestDefaults(t *testing.T) {
	c, err := LoadBytes([]byte("[Device \"d\"]\nType=mem\nNum-Blocks=16\n"))
	require.NoError(t, err)
	require.Equal(t, defaultLogLevel, c.Global.Log_Level)
	require.Equal(t, defaultControlSocket, c.Global.Control_Socket)
	bs, err := c.Device[`d`].BlockSizeBytes()
	require.NoError(t, err)
	require.EqualValues(t, defaultBlockSize, bs)
}

func TestVerifyFailures(t *testing.T) {
	_, err := LoadBytes([]byte("[global]\nLog-Level=INFO\n"))
	require.ErrorIs(t, err, ErrNoDevices)

	_, err = LoadBytes([]byte("[Device \"c\"]\nType=wbcache\nOn=missing\n"))
	require.ErrorIs(t, err, ErrMissingBase)

	_, err = LoadBytes([]byte("[Device \"x\"]\nType=warp\n"))
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestBadBlockSize(t *testing.T) {
	d := &Device{Block_Size: `1000`}
	_, err := d.BlockSizeBytes()
	require.ErrorIs(t, err, ErrInvalidBlockSize)
}

func TestInstanceUUIDRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), `fstitchd.conf`)
	require.NoError(t, os.WriteFile(p, []byte(sampleConfig), 0660))

	c, err := LoadFile(p)
	require.NoError(t, err)
	_, ok := c.InstanceUUID()
	require.False(t, ok)

	id := uuid.New()
	require.NoError(t, c.SetInstanceUUID(id, p))

	c2, err := LoadFile(p)
	require.NoError(t, err)
	got, ok := c2.InstanceUUID()
	require.True(t, ok)
	require.Equal(t, id, got)
}
