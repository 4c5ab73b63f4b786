package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func fixedType(fsType string) func(string) (string, error) {
	return func(string) (string, error) { return fsType, nil }
}

func TestInspectClassifiesFilesystems(t *testing.T) {
	t.Parallel()

	cases := []struct {
		fsType string
		class  string
	}{
		{"ext4", FilesystemLocal},
		{"apfs", FilesystemLocal},
		{"0x6a656a63", FilesystemLocal},
		{"nfs", FilesystemNetwork},
		{" SMBFS ", FilesystemNetwork},
		{"cifs", FilesystemNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.fsType, func(t *testing.T) {
			t.Parallel()
			st, err := inspectWith(filepath.Join(t.TempDir(), "warden.db"), fixedType(tc.fsType))
			if err != nil {
				t.Fatalf("inspect: %v", err)
			}
			if st.Class != tc.class {
				t.Fatalf("class for %q = %q, want %q", tc.fsType, st.Class, tc.class)
			}
		})
	}
}

func TestInspectUsesNearestExistingParent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	st, err := inspectWith(filepath.Join(root, "nested", "dir", "warden.db"), func(p string) (string, error) {
		inspected = p
		return "xfs", nil
	})
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if inspected != root || st.Inspected != root {
		t.Fatalf("inspected %q (reported %q), want %q", inspected, st.Inspected, root)
	}
}

func TestInspectUndetectableIsUnknownNotError(t *testing.T) {
	t.Parallel()

	st, err := inspectWith(filepath.Join(t.TempDir(), "warden.db"), func(string) (string, error) {
		return "", errUndetectable
	})
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if st.Class != FilesystemUnknown || st.Local() {
		t.Fatalf("got %+v, want unknown", st)
	}
	if err := refuseNetwork(st); err != nil {
		t.Fatalf("unknown filesystem must not block open: %v", err)
	}
}

func TestInspectPropagatesDetectorFailure(t *testing.T) {
	t.Parallel()

	_, err := inspectWith(filepath.Join(t.TempDir(), "warden.db"), func(string) (string, error) {
		return "", errors.New("statfs: permission denied")
	})
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("expected detector failure, got %v", err)
	}
}

func TestRefuseNetworkNamesTheGuards(t *testing.T) {
	t.Parallel()

	st, err := inspectWith(filepath.Join(t.TempDir(), "warden.db"), fixedType("nfs"))
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	err = refuseNetwork(st)
	if err == nil {
		t.Fatal("expected network filesystem to be refused")
	}
	for _, want := range []string{"nfs", "power guards", "state.path"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q lacks %q", err, want)
		}
	}
}

func TestInspectStateFilesystemOnTempDir(t *testing.T) {
	t.Parallel()

	st, err := InspectStateFilesystem(filepath.Join(t.TempDir(), "warden.db"))
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if st.Class == FilesystemNetwork {
		t.Fatalf("temp dir reported as network filesystem: %+v", st)
	}
}
