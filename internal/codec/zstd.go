// Package codec implements the compression boundary of the engine:
// segments are compressed on their way into the cache directory and
// decompressed on their way back out to the filesystem layer.
package codec

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	segerrors "github.com/segcache/segcache/pkg/errors"
)

// ZstdCodec compresses segment byte ranges with zstd. Round trips are
// exact: Decompress(Compress(x)) reproduces the original range byte
// for byte.
type ZstdCodec struct {
	level zstd.EncoderLevel
}

// NewZstd creates a codec with the default compression level.
func NewZstd() *ZstdCodec {
	return &ZstdCodec{level: zstd.SpeedDefault}
}

// NewZstdWithLevel creates a codec with an explicit compression level.
func NewZstdWithLevel(level zstd.EncoderLevel) *ZstdCodec {
	return &ZstdCodec{level: level}
}

// Compress writes the compressed form of sourcePath[offset:offset+length)
// to destPath and returns the compressed size in bytes. On failure the
// partial destination file is removed.
func (c *ZstdCodec) Compress(sourcePath string, offset, length int64, destPath string) (int64, error) {
	src, err := os.Open(sourcePath)
	if err != nil {
		return 0, segerrors.NewError(segerrors.ErrCodeCompress,
			fmt.Sprintf("opening source %s: %v", sourcePath, err)).
			WithComponent("codec").WithCause(err)
	}
	defer func() { _ = src.Close() }()

	if _, err := src.Seek(offset, io.SeekStart); err != nil {
		return 0, segerrors.NewError(segerrors.ErrCodeCompress,
			fmt.Sprintf("seeking to offset %d in %s: %v", offset, sourcePath, err)).
			WithComponent("codec").WithCause(err)
	}

	dst, err := os.Create(destPath)
	if err != nil {
		return 0, segerrors.NewError(segerrors.ErrCodeCompress,
			fmt.Sprintf("creating destination %s: %v", destPath, err)).
			WithComponent("codec").WithCause(err)
	}

	size, err := c.compressTo(dst, src, length)
	if err != nil {
		_ = dst.Close()
		_ = os.Remove(destPath)
		return 0, segerrors.NewError(segerrors.ErrCodeCompress,
			fmt.Sprintf("compressing %d bytes from %s: %v", length, sourcePath, err)).
			WithComponent("codec").WithCause(err)
	}

	if err := dst.Close(); err != nil {
		_ = os.Remove(destPath)
		return 0, segerrors.NewError(segerrors.ErrCodeCompress,
			fmt.Sprintf("closing destination %s: %v", destPath, err)).
			WithComponent("codec").WithCause(err)
	}

	return size, nil
}

func (c *ZstdCodec) compressTo(dst *os.File, src io.Reader, length int64) (int64, error) {
	enc, err := zstd.NewWriter(dst,
		zstd.WithEncoderLevel(c.level),
		zstd.WithEncoderConcurrency(1),
		zstd.WithLowerEncoderMem(true))
	if err != nil {
		return 0, err
	}

	if _, err := io.Copy(enc, io.LimitReader(src, length)); err != nil {
		_ = enc.Close()
		return 0, err
	}
	if err := enc.Close(); err != nil {
		return 0, err
	}

	stat, err := dst.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// Decompress expands the compressed blob at sourcePath into destPath.
// On failure the partial destination file is removed.
func (c *ZstdCodec) Decompress(sourcePath, destPath string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return segerrors.NewError(segerrors.ErrCodeDecompress,
			fmt.Sprintf("opening source %s: %v", sourcePath, err)).
			WithComponent("codec").WithCause(err)
	}
	defer func() { _ = src.Close() }()

	dec, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return segerrors.NewError(segerrors.ErrCodeDecompress,
			fmt.Sprintf("initializing decoder for %s: %v", sourcePath, err)).
			WithComponent("codec").WithCause(err)
	}
	defer dec.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return segerrors.NewError(segerrors.ErrCodeDecompress,
			fmt.Sprintf("creating destination %s: %v", destPath, err)).
			WithComponent("codec").WithCause(err)
	}

	if _, err := io.Copy(dst, dec); err != nil {
		_ = dst.Close()
		_ = os.Remove(destPath)
		return segerrors.NewError(segerrors.ErrCodeDecompress,
			fmt.Sprintf("decompressing %s: %v", sourcePath, err)).
			WithComponent("codec").WithCause(err)
	}

	if err := dst.Close(); err != nil {
		_ = os.Remove(destPath)
		return segerrors.NewError(segerrors.ErrCodeDecompress,
			fmt.Sprintf("closing destination %s: %v", destPath, err)).
			WithComponent("codec").WithCause(err)
	}

	return nil
}
