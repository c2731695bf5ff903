package transfer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"yhtransfer/internal/backend"
	"yhtransfer/internal/crypt"
	"yhtransfer/internal/transfer/types"
	"yhtransfer/internal/utils"
)

// UploadJob is one upload. Spec carries the remote placement; sizes,
// digest and content type are filled in from the local file.
type UploadJob struct {
	LocalPath string
	// Digest is the caller's MD5 of the file. When set, the file is hashed
	// and compared before any network call.
	Digest string
	Key    []byte
	Spec   backend.UploadSpec
}

// FileMD5 hashes path, honouring ctx between reads.
func FileMD5(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return readerMD5(ctx, f)
}

func readerMD5(ctx context.Context, r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: r}); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Upload stores job.LocalPath and returns the committed object.
func (t *Transporter) Upload(ctx context.Context, job UploadJob, hooks Hooks) (*types.ObjectInfo, error) {
	f, err := os.Open(job.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", job.LocalPath, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", job.LocalPath, err)
	}
	plainSize := stat.Size()

	sum, err := readerMD5(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", job.LocalPath, err)
	}
	if want := strings.TrimSpace(job.Digest); want != "" && !strings.EqualFold(want, sum) {
		return nil, fmt.Errorf("%w: expected %s, file has %s", types.ErrDigestMismatch, strings.ToLower(want), sum)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind %s: %w", job.LocalPath, err)
	}

	enc := job.Spec.Encrypt
	stream, err := crypt.NewEncrypter(enc, job.Key)
	if err != nil {
		return nil, err
	}

	spec := job.Spec
	spec.PlainSize = plainSize
	spec.Size = crypt.EncryptedSize(enc, plainSize)
	spec.Digest = sum
	if spec.ContentType == "" {
		spec.ContentType = utils.SniffContentType(job.LocalPath)
	}

	var uploadID string
	err = t.retry(ctx, "begin upload", func(ctx context.Context) error {
		rctx, cancel := t.requestContext(ctx)
		defer cancel()
		var err error
		uploadID, err = t.backend.BeginUpload(rctx, spec)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin upload: %w", err)
	}
	utils.Debug("transfer: upload %s started for %s (%d -> %d bytes, %s)", uploadID, job.LocalPath, plainSize, spec.Size, enc)

	info, err := t.sendChunks(ctx, f, uploadID, plainSize, spec.Size, stream, hooks)
	if err != nil {
		actx, cancel := cleanupContext(ctx)
		if abortErr := t.backend.AbortUpload(actx, uploadID); abortErr != nil {
			utils.Debug("transfer: abort %s failed: %v", uploadID, abortErr)
		}
		cancel()
		return nil, err
	}
	return info, nil
}

func (t *Transporter) sendChunks(ctx context.Context, f *os.File, uploadID string, plainSize, storedSize int64, stream *crypt.Stream, hooks Hooks) (*types.ObjectInfo, error) {
	hooks.begin(storedSize)
	progress := newTracker(storedSize, t.runtime.GetProgressRate(), hooks.Progress)
	progress.force(false)

	bufPtr := t.getBuffer()
	defer t.putBuffer(bufPtr)
	buf := *bufPtr

	var read, offset int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := hooks.check(); err != nil {
			return nil, err
		}

		n, err := io.ReadFull(f, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("failed to read local file: %w", err)
		}
		read += int64(n)
		if read > plainSize {
			return nil, fmt.Errorf("%w: local file grew during upload", types.ErrSizeMismatch)
		}
		last := read == plainSize
		if n < len(buf) && !last {
			return nil, fmt.Errorf("%w: local file shrank during upload", types.ErrSizeMismatch)
		}

		out, err := stream.Next(buf[:n], last)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt chunk: %w", err)
		}
		if len(out) > 0 {
			at := offset
			err = t.retry(ctx, "put chunk", func(ctx context.Context) error {
				rctx, cancel := t.requestContext(ctx)
				defer cancel()
				return t.backend.PutChunk(rctx, uploadID, at, out)
			})
			if err != nil {
				return nil, fmt.Errorf("failed to upload chunk at %d: %w", at, err)
			}
			offset += int64(len(out))
			progress.add(int64(len(out)))
		}
		if last {
			break
		}
	}

	if offset != storedSize {
		return nil, fmt.Errorf("%w: sent %d of %d bytes", types.ErrSizeMismatch, offset, storedSize)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var info *types.ObjectInfo
	err := t.retry(ctx, "commit upload", func(ctx context.Context) error {
		rctx, cancel := t.requestContext(ctx)
		defer cancel()
		var err error
		info, err = t.backend.CommitUpload(rctx, uploadID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit upload: %w", err)
	}
	if info == nil || info.Fid == "" {
		return nil, fmt.Errorf("%w: commit returned no fid", types.ErrRejected)
	}
	progress.force(true)
	return info, nil
}
