//go:build unix

package resource

import (
	"os"
	"strings"
	"testing"
)

func TestParseKind(t *testing.T) {
	cases := []struct {
		input   string
		want    Kind
		wantErr bool
	}{
		{input: "semaphore", want: KindSemaphore},
		{input: "shared_memory", want: KindSharedMemory},
		{input: "SEMAPHORE", wantErr: true},
		{input: "mutex", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tc := range cases {
		kind, err := ParseKind(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseKind(%q) expected error", tc.input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseKind(%q): %v", tc.input, err)
		}
		if kind != tc.want {
			t.Fatalf("ParseKind(%q) = %q, want %q", tc.input, kind, tc.want)
		}
	}
}

func TestValidName(t *testing.T) {
	for name, want := range map[string]bool{
		"sem_abc":   true,
		"psm_1f2e":  true,
		"":          false,
		"a:b":       false,
		"a\nb":      false,
		"trailing:": false,
	} {
		if got := ValidName(name); got != want {
			t.Fatalf("ValidName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestRandomNameIsWireSafe(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		name := RandomName("psm")
		if !ValidName(name) {
			t.Fatalf("RandomName produced invalid name %q", name)
		}
		if !strings.HasPrefix(name, "psm_") {
			t.Fatalf("RandomName missing prefix: %q", name)
		}
		if _, dup := seen[name]; dup {
			t.Fatalf("RandomName produced duplicate %q", name)
		}
		seen[name] = struct{}{}
	}
}

func TestUnlinkerPaths(t *testing.T) {
	u := NewUnlinker(nil)
	if got := u.Path(Key{Kind: KindSharedMemory, Name: "psm_x"}); got != "/dev/shm/psm_x" {
		t.Fatalf("shared memory path = %q", got)
	}
	if got := u.Path(Key{Kind: KindSemaphore, Name: "sm_x"}); got != "/dev/shm/sem.sm_x" {
		t.Fatalf("semaphore path = %q", got)
	}
}

func TestUnlinkRemovesBackingFile(t *testing.T) {
	dir := t.TempDir()
	u := NewUnlinker(map[Kind]string{KindSharedMemory: dir, KindSemaphore: dir})

	key := Key{Kind: KindSemaphore, Name: "sm_unlink"}
	if err := os.WriteFile(u.Path(key), nil, 0o600); err != nil {
		t.Fatalf("create backing file: %v", err)
	}

	if err := u.Unlink(key); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if _, err := os.Stat(u.Path(key)); !os.IsNotExist(err) {
		t.Fatalf("backing file still present after unlink")
	}
}

func TestUnlinkIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	u := NewUnlinker(map[Kind]string{KindSharedMemory: dir})

	key := Key{Kind: KindSharedMemory, Name: "psm_gone"}
	if err := u.Unlink(key); err != nil {
		t.Fatalf("unlink of absent object should succeed, got %v", err)
	}
	if err := u.Unlink(key); err != nil {
		t.Fatalf("second unlink should succeed, got %v", err)
	}
}

func TestUnlinkUnknownKind(t *testing.T) {
	u := NewUnlinker(nil)
	if err := u.Unlink(Key{Kind: Kind("mutex"), Name: "m"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
