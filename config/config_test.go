// config_test.go - configuration tests.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.FixupAndValidate())
	require.Equal(t, 100, cfg.Kernel.TickIntervalMs)
	require.Equal(t, 4096, cfg.Net.MaxPacket)
	require.Equal(t, 100, cfg.Net.RetransmitInitialMs)
	require.Equal(t, 12800, cfg.Net.RetransmitCapMs)
	require.Equal(t, 15000, cfg.Net.CloseLingerMs)
	require.Equal(t, "NOTICE", cfg.Logging.Level)

	rc := cfg.Kernel.Runtime()
	require.Equal(t, 100*time.Millisecond, rc.TickInterval)
	sc := cfg.Net.Stream()
	require.Equal(t, 15*time.Second, sc.CloseLinger)
}

func TestLoad(t *testing.T) {
	const doc = `
[Kernel]
TickIntervalMs = 50
LevelVisitQuanta = [ 10, 5 ]
ThreadQuanta = [ 1, 2 ]

[Net]
MaxPacket = 1024
RetransmitInitialMs = 10
RetransmitCapMs = 160

[Logging]
Level = "DEBUG"
`
	cfg, err := Load([]byte(doc))
	require.NoError(t, err)
	require.Equal(t, 50, cfg.Kernel.TickIntervalMs)
	require.Equal(t, []int{10, 5}, cfg.Kernel.LevelVisitQuanta)
	require.Equal(t, 1024, cfg.Net.MaxPacket)
	require.Equal(t, 160, cfg.Net.RetransmitCapMs)
	require.Equal(t, "DEBUG", cfg.Logging.Level)
}

func TestValidationErrors(t *testing.T) {
	_, err := Load([]byte("[Kernel]\nTickIntervalMs = -1\n"))
	require.Error(t, err)

	_, err = Load([]byte("[Kernel]\nLevelVisitQuanta = [ 1 ]\nThreadQuanta = [ 1, 2 ]\n"))
	require.Error(t, err)

	_, err = Load([]byte("[Net]\nMaxPacket = 10\n"))
	require.Error(t, err)

	_, err = Load([]byte("[Net]\nRetransmitInitialMs = 500\nRetransmitCapMs = 100\n"))
	require.Error(t, err)

	_, err = Load([]byte("[Logging]\nLevel = \"shouty\"\n"))
	require.Error(t, err)

	_, err = Load([]byte("not toml at all ==="))
	require.Error(t, err)
}
