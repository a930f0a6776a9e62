package framepool

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestReadConfig(t *testing.T) {
	t.Run("Empty input yields defaults", func(t *testing.T) {
		c, err := ReadConfig(strings.NewReader(""))
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(DefaultConfig(), c); diff != "" {
			t.Errorf("unexpected config (-want +got):\n%s", diff)
		}
	})

	t.Run("Overrides", func(t *testing.T) {
		const input = `
frame:
  acquire_timeout: 250ms
  fence_timeout: 2s
pool:
  free_threshold: 64
  trim_interval: 5s
`
		c, err := ReadConfig(strings.NewReader(input))
		if err != nil {
			t.Fatal(err)
		}
		want := Config{
			Frame: FrameConfig{AcquireTimeout: 250 * time.Millisecond, FenceTimeout: 2 * time.Second},
			Pool:  PoolConfig{FreeThreshold: 64, TrimInterval: 5 * time.Second},
		}
		if diff := cmp.Diff(want, c); diff != "" {
			t.Errorf("unexpected config (-want +got):\n%s", diff)
		}
	})

	t.Run("Partial frame section keeps defaults", func(t *testing.T) {
		c, err := ReadConfig(strings.NewReader("frame:\n  fence_timeout: 3s\n"))
		if err != nil {
			t.Fatal(err)
		}
		if c.Frame.AcquireTimeout != time.Second || c.Frame.FenceTimeout != 3*time.Second {
			t.Errorf("unexpected frame config %+v", c.Frame)
		}
	})

	t.Run("Unknown field", func(t *testing.T) {
		if _, err := ReadConfig(strings.NewReader("pool:\n  max_size: 10\n")); err == nil {
			t.Error("expected an error for an unknown field")
		}
	})

	t.Run("Invalid values", func(t *testing.T) {
		_, err := ReadConfig(strings.NewReader("frame:\n  acquire_timeout: 0s\npool:\n  free_threshold: -1\n  trim_interval: -1s\n"))
		if err == nil {
			t.Fatal("expected a validation error")
		}
		for _, want := range []string{"acquire_timeout must be positive", "free_threshold must not be negative", "trim_interval must not be negative"} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("expected error to contain %q, got %q", want, err)
			}
		}
	})
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framepool.yaml")
	if err := os.WriteFile(path, []byte("pool:\n  free_threshold: 8\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Pool.FreeThreshold != 8 {
		t.Errorf("expected free threshold 8, got %d", c.Pool.FreeThreshold)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
