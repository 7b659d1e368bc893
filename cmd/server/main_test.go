package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ReturnsStartupErrors(t *testing.T) {
	t.Run("InvalidConfig", func(t *testing.T) {
		chdir(t, t.TempDir())
		t.Setenv("STORAGE_DRIVER", "mongo")

		err := run()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("StorageAfterObservability", func(t *testing.T) {
		chdir(t, t.TempDir())
		t.Setenv("STORAGE_DRIVER", "memory")
		t.Setenv("SEED_FILE", "missing.json")

		err := run()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "open memory storage")
	})
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}
