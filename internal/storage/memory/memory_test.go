package memory

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	segerrors "github.com/segcache/segcache/pkg/errors"
	"github.com/segcache/segcache/pkg/types"
)

func key(id byte) types.SegmentKey {
	var k types.SegmentKey
	k[0] = id
	return k
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	data := "compressed segment bytes"
	if err := s.Put(ctx, key(1), int64(len(data)), strings.NewReader(data)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !s.Contains(key(1)) {
		t.Fatal("Contains = false after Put")
	}

	var sink bytes.Buffer
	if err := s.Get(ctx, key(1), &sink); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sink.String() != data {
		t.Errorf("Get = %q, want %q", sink.String(), data)
	}

	if err := s.Delete(ctx, key(1)); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if s.Contains(key(1)) {
		t.Error("Contains = true after Delete")
	}

	// Deleting an absent key is not an error.
	if err := s.Delete(ctx, key(1)); err != nil {
		t.Errorf("Delete of absent key failed: %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	s := NewStore()

	var sink bytes.Buffer
	err := s.Get(context.Background(), key(9), &sink)
	if err == nil {
		t.Fatal("Get of missing object succeeded, want error")
	}
	if !errors.Is(err, segerrors.NewError(segerrors.ErrCodeObjectNotFound, "")) {
		t.Errorf("error code = %v, want OBJECT_NOT_FOUND", err)
	}
}

func TestPutSizeMismatch(t *testing.T) {
	s := NewStore()

	err := s.Put(context.Background(), key(1), 100, strings.NewReader("short"))
	if err == nil {
		t.Fatal("Put with mismatched size succeeded, want error")
	}
	if s.Contains(key(1)) {
		t.Error("object stored despite size mismatch")
	}
}

func TestFaultInjection(t *testing.T) {
	s := NewStore()
	boom := errors.New("boom")
	s.PutErr = boom

	err := s.Put(context.Background(), key(1), 1, strings.NewReader("x"))
	if !errors.Is(err, boom) {
		t.Errorf("Put error = %v, want injected fault", err)
	}
}
