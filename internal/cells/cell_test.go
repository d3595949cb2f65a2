// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package cells

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hashicorp/go-taskgraph/internal/vals"
)

func TestCellPublishAndAcquire(t *testing.T) {
	c := NewCell()

	if ref := c.Acquire(); ref != nil {
		t.Fatal("Acquire on an unpublished cell returned a ref")
	}
	if got, want := c.Version(), uint64(0); got != want {
		t.Fatalf("wrong version %d; want %d", got, want)
	}

	num, changed := c.Publish([]vals.Value{vals.Int(16)})
	if !changed {
		t.Error("first publish reported changed=false")
	}
	if got, want := num, uint64(1); got != want {
		t.Errorf("wrong version %d; want %d", got, want)
	}

	ref := c.Acquire()
	if ref == nil {
		t.Fatal("Acquire returned nil after publish")
	}
	defer ref.Release()

	if got, want := ref.Len(), 1; got != want {
		t.Fatalf("wrong value count %d; want %d", got, want)
	}
	got, ok := ref.Value(0).AsInt()
	if !ok || got != 16 {
		t.Errorf("wrong value %d, %t; want 16, true", got, ok)
	}
}

func TestCellReadRefSurvivesPublish(t *testing.T) {
	c := NewCell()
	c.Publish([]vals.Value{vals.String("old")})

	oldRef := c.Acquire()
	defer oldRef.Release()

	num, changed := c.Publish([]vals.Value{vals.String("new")})
	if !changed || num != 2 {
		t.Fatalf("second publish returned (%d, %t); want (2, true)", num, changed)
	}

	// The pre-publish ref must keep observing the old snapshot.
	if got, ok := oldRef.Value(0).AsString(); !ok || got != "old" {
		t.Errorf("pre-publish ref observed %q; want \"old\"", got)
	}
	if got, want := oldRef.Version(), uint64(1); got != want {
		t.Errorf("pre-publish ref moved to version %d; want %d", got, want)
	}

	// A reader starting after the publish sees the new version.
	newRef := c.Acquire()
	defer newRef.Release()
	if got, ok := newRef.Value(0).AsString(); !ok || got != "new" {
		t.Errorf("post-publish ref observed %q; want \"new\"", got)
	}
}

func TestCellValueEqualShortCircuit(t *testing.T) {
	c := NewCell()
	c.Publish([]vals.Value{vals.String("same"), vals.Int(1)})

	num, changed := c.Publish([]vals.Value{vals.String("same"), vals.Int(1)})
	if changed {
		t.Error("publishing structurally-equal content reported a change")
	}
	if got, want := num, uint64(1); got != want {
		t.Errorf("version moved to %d on an equal publish; want %d", got, want)
	}

	_, changed = c.Publish([]vals.Value{vals.String("same"), vals.Int(2)})
	if !changed {
		t.Error("publishing different content reported no change")
	}
}

func TestCellPinnedAndClear(t *testing.T) {
	c := NewCell()
	c.Publish([]vals.Value{vals.Int(1)})

	if c.Pinned() {
		t.Error("cell pinned with no outstanding refs")
	}

	ref := c.Acquire()
	if !c.Pinned() {
		t.Error("cell not pinned while a ref is outstanding")
	}

	ref.Release()
	ref.Release() // double release is a no-op
	if c.Pinned() {
		t.Error("cell still pinned after release")
	}

	c.Clear()
	if got := c.Acquire(); got != nil {
		t.Error("Acquire returned a ref after Clear")
	}
}

func TestCellConcurrentReadersAndWriter(t *testing.T) {
	c := NewCell()
	c.Publish([]vals.Value{vals.Int(0)})

	const readers = 8
	const publishes = 100

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= publishes; i++ {
			c.Publish([]vals.Value{vals.Int(int64(i)), vals.Int(int64(i * 2))})
		}
	}()

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < publishes; i++ {
				ref := c.Acquire()
				// Each snapshot must be internally consistent: both
				// values from the same publish, never a torn mix.
				if ref.Len() == 2 {
					a, _ := ref.Value(0).AsInt()
					b, _ := ref.Value(1).AsInt()
					if b != a*2 {
						t.Errorf("torn read: got (%d, %d)", a, b)
					}
				}
				ref.Release()
			}
		}()
	}
	wg.Wait()
}

func TestCellVersionsAreMonotonic(t *testing.T) {
	c := NewCell()
	var versions []uint64
	for i := 0; i < 5; i++ {
		num, _ := c.Publish([]vals.Value{vals.Int(int64(i))})
		versions = append(versions, num)
	}
	want := []uint64{1, 2, 3, 4, 5}
	if diff := cmp.Diff(want, versions); diff != "" {
		t.Errorf("wrong version sequence:\n%s", diff)
	}
}
