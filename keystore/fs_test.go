// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func newTestStore(t *testing.T) *FS {
	t.Helper()
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return store
}

func TestStatusUnknownForNewMinion(t *testing.T) {
	store := newTestStore(t)
	state, key, err := store.Status("web-01")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if state != StateUnknown || key != "" {
		t.Fatalf("Status = %v/%q, want unknown/empty", state, key)
	}
}

func TestPendThenStatus(t *testing.T) {
	store := newTestStore(t)
	if err := store.Pend("web-01", "age1aaa"); err != nil {
		t.Fatalf("Pend: %v", err)
	}
	state, key, err := store.Status("web-01")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if state != StatePending || key != "age1aaa" {
		t.Fatalf("Status = %v/%q, want pending/age1aaa", state, key)
	}
}

func TestAcceptRemovesPending(t *testing.T) {
	store := newTestStore(t)
	if err := store.Pend("web-01", "age1aaa"); err != nil {
		t.Fatalf("Pend: %v", err)
	}
	if err := store.Accept("web-01", "age1aaa"); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	state, key, err := store.Status("web-01")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if state != StateAccepted || key != "age1aaa" {
		t.Fatalf("Status = %v/%q, want accepted/age1aaa", state, key)
	}
	if _, err := store.Key("web-01", StatePending); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pending key after accept: err = %v, want ErrNotFound", err)
	}
}

func TestRejectedOutranksAccepted(t *testing.T) {
	store := newTestStore(t)
	if err := store.Accept("web-01", "age1aaa"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := store.Reject("web-01", "age1aaa"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	state, _, err := store.Status("web-01")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if state != StateRejected {
		t.Fatalf("Status = %v, want rejected", state)
	}
}

func TestDenyLeavesAcceptedKey(t *testing.T) {
	store := newTestStore(t)
	if err := store.Accept("web-01", "age1aaa"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := store.Deny("web-01", "age1evil"); err != nil {
		t.Fatalf("Deny: %v", err)
	}

	state, key, err := store.Status("web-01")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if state != StateAccepted || key != "age1aaa" {
		t.Fatalf("accepted key disturbed by Deny: %v/%q", state, key)
	}
	denied, err := store.Key("web-01", StateDenied)
	if err != nil {
		t.Fatalf("Key(denied): %v", err)
	}
	if denied != "age1evil" {
		t.Fatalf("denied key = %q, want age1evil", denied)
	}
}

func TestDeleteRemovesAllStates(t *testing.T) {
	store := newTestStore(t)
	store.Accept("web-01", "a")
	store.Deny("web-01", "b")
	if err := store.Delete("web-01"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	state, _, err := store.Status("web-01")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if state != StateUnknown {
		t.Fatalf("Status after delete = %v, want unknown", state)
	}
	if _, err := store.Key("web-01", StateDenied); !errors.Is(err, ErrNotFound) {
		t.Fatalf("denied key after delete: err = %v, want ErrNotFound", err)
	}
}

func TestListSorted(t *testing.T) {
	store := newTestStore(t)
	store.Accept("web-02", "k")
	store.Accept("db-01", "k")
	store.Accept("web-01", "k")
	store.Pend("new-01", "k")

	ids, err := store.List(StateAccepted)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"db-01", "web-01", "web-02"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("List = %v, want %v", ids, want)
	}
}

func TestInvalidIDRefused(t *testing.T) {
	store := newTestStore(t)
	if err := store.Pend("../escape", "k"); err == nil {
		t.Fatal("Pend accepted a path-traversal id")
	}
	if _, _, err := store.Status("has\x00nul"); err == nil {
		t.Fatal("Status accepted an id with a NUL byte")
	}
}

func TestDirectoryWhereKeyBelongsIsAnError(t *testing.T) {
	store := newTestStore(t)
	if err := os.MkdirAll(filepath.Join(store.Dir(), "minions_pre", "web-01"), 0o700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if _, _, err := store.Status("web-01"); err == nil {
		t.Fatal("Status tolerated a directory in place of a key file")
	}
}
