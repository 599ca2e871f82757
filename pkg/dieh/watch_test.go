// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchTableReloads(t *testing.T) {
	path := writeTable(t, "table.xml", sampleXML)
	store, err := NewStore(nil)
	require.NoError(t, err)
	loader := NewLoader(store, nil)
	_, err = loader.Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(2), store.Generation())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- WatchTable(ctx, path, loader) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// let the watcher register
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))
	assert.Eventually(t, func() bool {
		tbl := store.Snapshot()
		return tbl.Generation > 2 && len(tbl.Overrides) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// a broken edit keeps the previous table
	gen := store.Generation()
	require.NoError(t, os.WriteFile(path, []byte("records: [[["), 0o644))
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, gen, store.Generation())
}

func TestWatchTableMissingDir(t *testing.T) {
	loader := NewLoader(nil, nil)
	err := WatchTable(context.Background(), "/does/not/exist/table.yaml", loader)
	assert.Error(t, err)
}
