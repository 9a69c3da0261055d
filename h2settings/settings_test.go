package h2settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakegut/h2stream/frame"
)

func TestDefaultMatchesRFCDefaults(t *testing.T) {
	s := Default()
	snap := s.Snapshot()

	assert.Equal(t, uint32(4096), snap.HeaderTableSize)
	assert.True(t, snap.EnablePush)
	assert.Equal(t, uint32(65535), snap.InitialWindowSize)
	assert.Equal(t, uint32(16384), snap.MaxFrameSize)
	assert.Nil(t, snap.MaxHeaderListSize)
}

func TestApplyPeerFrameUpdatesSnapshot(t *testing.T) {
	s := Default()
	s.ApplyPeerFrame([]frame.SettingArg{
		{Param: frame.SettingsMaxFrameSize, Value: 32768},
		{Param: frame.SettingsEnablePush, Value: 0},
		{Param: frame.SettingsMaxHeaderListSize, Value: 8192},
	})

	snap := s.Snapshot()
	assert.Equal(t, uint32(32768), snap.MaxFrameSize)
	assert.False(t, snap.EnablePush)
	require.NotNil(t, snap.MaxHeaderListSize)
	assert.Equal(t, uint32(8192), *snap.MaxHeaderListSize)
}

func TestLocalUnaffectedByApplyPeer(t *testing.T) {
	s := Default()
	s.ApplyPeer(frame.SettingsMaxFrameSize, 99)

	assert.Equal(t, uint32(16384), s.Local().MaxFrameSize)
	assert.Equal(t, uint32(99), s.Snapshot().MaxFrameSize)
}
