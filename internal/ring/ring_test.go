package ring

import "testing"

func TestBufferEviction(t *testing.T) {
	b := New(3)
	for i := int64(1); i <= 5; i++ {
		b.Push(i)
	}
	if b.Len() != 3 {
		t.Fatalf("len = %d, want 3", b.Len())
	}
	want := []int64{3, 4, 5}
	got := b.Slice()
	for i, v := range want {
		if got[i] != v {
			t.Fatalf("Slice()[%d] = %d, want %d", i, got[i], v)
		}
	}
}

func TestBufferNewest(t *testing.T) {
	b := New(2)
	if _, ok := b.Newest(); ok {
		t.Fatalf("Newest() on empty buffer returned ok")
	}
	b.Push(10)
	b.Push(20)
	v, ok := b.Newest()
	if !ok || v != 20 {
		t.Fatalf("Newest() = (%d, %v), want (20, true)", v, ok)
	}
}

func TestBufferClear(t *testing.T) {
	b := New(4)
	b.Push(1)
	b.Push(2)
	b.Clear()
	if b.Len() != 0 {
		t.Fatalf("len after Clear = %d, want 0", b.Len())
	}
	b.Push(7)
	if v := b.At(0); v != 7 {
		t.Fatalf("At(0) after Clear+Push = %d, want 7", v)
	}
}
