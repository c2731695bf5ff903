package transfer

import (
	"context"
	"fmt"
	"os"

	"yhtransfer/internal/crypt"
	"yhtransfer/internal/transfer/types"
	"yhtransfer/internal/utils"
)

// DownloadJob is one download. KeyFor picks the decryption key once the
// object's owner is known.
type DownloadJob struct {
	Fid       string
	LocalPath string
	KeyFor    func(info *types.ObjectInfo) []byte
}

// Download fetches job.Fid into job.LocalPath. Bytes land in an incomplete
// file that is renamed only after the byte count has been verified, so a
// failed or cancelled download never leaves a file at LocalPath.
func (t *Transporter) Download(ctx context.Context, job DownloadJob, hooks Hooks) (info *types.ObjectInfo, err error) {
	err = t.retry(ctx, "stat", func(ctx context.Context) error {
		rctx, cancel := t.requestContext(ctx)
		defer cancel()
		var err error
		info, err = t.backend.Stat(rctx, job.Fid)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", job.Fid, err)
	}
	if info.IsDir {
		return nil, fmt.Errorf("%w: %s is a directory", types.ErrInvalidArgument, job.Fid)
	}

	var key []byte
	if job.KeyFor != nil {
		key = job.KeyFor(info)
	}
	stream, err := crypt.NewDecrypter(info.Encrypt, key)
	if err != nil {
		return nil, err
	}

	workingPath := utils.IncompletePath(job.LocalPath)
	out, err := os.OpenFile(workingPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	closed := false
	defer func() {
		if !closed {
			if cerr := out.Close(); cerr != nil {
				utils.Debug("Error closing file: %v", cerr)
			}
		}
		if err != nil {
			if rmErr := os.Remove(workingPath); rmErr != nil && !os.IsNotExist(rmErr) {
				utils.Debug("transfer: failed to remove %s: %v", workingPath, rmErr)
			}
		}
	}()

	written, err := t.receiveChunks(ctx, out, info, stream, hooks)
	if err != nil {
		return nil, err
	}
	if info.PlainSize > 0 && written != info.PlainSize {
		return nil, fmt.Errorf("%w: decoded %d bytes, expected %d", types.ErrSizeMismatch, written, info.PlainSize)
	}

	if err = out.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync file: %w", err)
	}
	closed = true
	if err = out.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	if err = os.Rename(workingPath, job.LocalPath); err != nil {
		return nil, fmt.Errorf("failed to finalize file: %w", err)
	}
	utils.Debug("transfer: downloaded %s -> %s (%d bytes)", job.Fid, job.LocalPath, written)
	return info, nil
}

func (t *Transporter) receiveChunks(ctx context.Context, out *os.File, info *types.ObjectInfo, stream *crypt.Stream, hooks Hooks) (int64, error) {
	size := info.Size
	chunk := t.runtime.GetChunkSize()

	hooks.begin(size)
	progress := newTracker(size, t.runtime.GetProgressRate(), hooks.Progress)
	progress.force(false)

	var offset, written int64
	for offset < size || (offset == 0 && size == 0) {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if err := hooks.check(); err != nil {
			return written, err
		}

		length := min(chunk, size-offset)
		var data []byte
		if length > 0 {
			at := offset
			err := t.retry(ctx, "read chunk", func(ctx context.Context) error {
				rctx, cancel := t.requestContext(ctx)
				defer cancel()
				var err error
				data, err = t.backend.ReadChunk(rctx, info.Fid, at, length)
				return err
			})
			if err != nil {
				return written, fmt.Errorf("failed to download chunk at %d: %w", at, err)
			}
			if len(data) == 0 {
				return written, fmt.Errorf("%w: stream ended at %d of %d bytes", types.ErrSizeMismatch, offset, size)
			}
			if int64(len(data)) > length {
				return written, fmt.Errorf("%w: chunk at %d returned %d bytes, asked for %d", types.ErrSizeMismatch, at, len(data), length)
			}
		}
		offset += int64(len(data))
		last := offset >= size

		plain, err := stream.Next(data, last)
		if err != nil {
			return written, fmt.Errorf("failed to decrypt chunk: %w", err)
		}
		if len(plain) > 0 {
			if _, err := out.Write(plain); err != nil {
				return written, fmt.Errorf("failed to write file: %w", err)
			}
			written += int64(len(plain))
		}
		progress.add(int64(len(data)))
		if last {
			break
		}
	}

	if err := t.checkTrailing(ctx, info); err != nil {
		return written, err
	}
	progress.force(true)
	return written, nil
}

// checkTrailing asks for one byte past the advertised size; any data there
// means the object is larger than the server claimed.
func (t *Transporter) checkTrailing(ctx context.Context, info *types.ObjectInfo) error {
	rctx, cancel := t.requestContext(ctx)
	defer cancel()
	extra, err := t.backend.ReadChunk(rctx, info.Fid, info.Size, 1)
	if err != nil {
		utils.Debug("transfer: trailing probe for %s: %v", info.Fid, err)
		return nil
	}
	if len(extra) > 0 {
		return fmt.Errorf("%w: object is larger than advertised %d bytes", types.ErrSizeMismatch, info.Size)
	}
	return nil
}
