package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		want string
	}{
		{
			name: "bare",
			err:  NewError(ErrCodeStorageRead, "open failed"),
			want: "STORAGE_READ: open failed",
		},
		{
			name: "with component",
			err:  NewError(ErrCodeRemoteGet, "timeout").WithComponent("s3-store"),
			want: "[s3-store] REMOTE_GET: timeout",
		},
		{
			name: "with component and operation",
			err:  NewError(ErrCodeRemotePut, "denied").WithComponent("gateway").WithOperation("evict"),
			want: "[gateway:evict] REMOTE_PUT: denied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := NewError(ErrCodeObjectNotFound, "object not found: abc").WithComponent("s3-store")

	if !errors.Is(err, NewError(ErrCodeObjectNotFound, "")) {
		t.Error("errors with the same code should match")
	}
	if errors.Is(err, NewError(ErrCodeRemoteGet, "")) {
		t.Error("errors with different codes should not match")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError(ErrCodeRemoteGet, "fetch failed").WithCause(cause)

	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}

	wrapped := fmt.Errorf("download: %w", err)
	if !errors.Is(wrapped, NewError(ErrCodeRemoteGet, "")) {
		t.Error("code match lost through fmt.Errorf wrapping")
	}
}

func TestGetCategory(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeAccountingUnderflow, CategoryAccounting},
		{ErrCodeStorageRemove, CategoryStorage},
		{ErrCodeMetadataWrite, CategoryStorage},
		{ErrCodeRemoteDelete, CategoryRemote},
		{ErrCodeObjectNotFound, CategoryRemote},
		{ErrCodeEvictionInfeasible, CategoryEviction},
		{ErrCodeCompress, CategoryCodec},
		{ErrCodeDecompress, CategoryCodec},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.want {
				t.Errorf("GetCategory(%s) = %s, want %s", tt.code, got, tt.want)
			}
		})
	}
}

func TestWithContext(t *testing.T) {
	err := NewError(ErrCodeRemotePut, "push failed").
		WithContext("key", "abc123").
		WithContext("bucket", "segments")

	if err.Context["key"] != "abc123" || err.Context["bucket"] != "segments" {
		t.Errorf("context not recorded: %v", err.Context)
	}
}
