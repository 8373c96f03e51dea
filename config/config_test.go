package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUploadPartSize_ClampsToRange(t *testing.T) {
	t.Setenv(uploadPartSizeEnv, "1")
	require.Equal(t, int64(minUploadPartSize), UploadPartSize())

	t.Setenv(uploadPartSizeEnv, "999999999999999")
	require.Equal(t, int64(maxUploadPartSize), UploadPartSize())

	t.Setenv(uploadPartSizeEnv, "10485760")
	require.Equal(t, int64(10485760), UploadPartSize())
}

func TestUploadPartSize_DefaultsWhenUnset(t *testing.T) {
	t.Setenv(uploadPartSizeEnv, "")
	require.Equal(t, int64(defaultPartSize), UploadPartSize())
}

func TestTableConfig_ToSnapshotConfig(t *testing.T) {
	tc := TableConfig{LogRetentionHours: 1, CheckpointInterval: 5, NumIndexedCols: 10}
	sc := tc.ToSnapshotConfig()
	require.Equal(t, int64(3600*1000), sc.LogRetentionMillis)
	require.Equal(t, uint32(5), sc.CheckpointInterval)
}

func TestConfig_Validate(t *testing.T) {
	var c Config
	c.Table.EnableExpiredLogCleanup = true
	c.Table.LogRetentionHours = 0
	c.Writer.WriteBatchSize = 1
	c.Writer.MaxInFlightParts = 1
	require.Error(t, c.Validate())
}
