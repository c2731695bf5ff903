// Package s3store is a Backend on top of an S3 bucket. Objects live under
// <prefix>objects/<fid> with their attributes in user metadata; path and
// directory entries are zero-byte pointer objects naming the fid.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"yhtransfer/internal/backend"
	"yhtransfer/internal/transfer/types"
	"yhtransfer/internal/utils"
)

const (
	// S3 rejects non-final multipart parts below 5 MiB.
	MinPartSize     = 5 * types.MB
	DefaultPartSize = 8 * types.MB
	presignExpiry   = 15 * time.Minute
)

// API is the subset of *s3.Client the store needs.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

type Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PartSize  int64
}

type upload struct {
	mu       sync.Mutex
	fid      string
	key      string
	spec     backend.UploadSpec
	info     types.ObjectInfo
	s3ID     string
	parts    []s3types.CompletedPart
	buf      []byte
	received int64
}

type Store struct {
	api      API
	presign  Presigner
	bucket   string
	prefix   string
	partSize int64

	mu      sync.Mutex
	uploads map[string]*upload
}

var _ backend.Backend = (*Store)(nil)

// ParseURL reads s3://bucket/prefix into Options.
func ParseURL(raw string) (Options, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return Options{}, fmt.Errorf("%w: bad s3 url %q", types.ErrInvalidArgument, raw)
	}
	return Options{Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, nil
}

// New builds an S3 client from opts. Static credentials are used when
// both keys are set; otherwise the default AWS chain applies.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", types.ErrInvalidArgument)
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	utils.Debug("s3store: bucket=%s prefix=%s region=%s endpoint=%s", opts.Bucket, opts.Prefix, region, opts.Endpoint)
	return NewWithAPI(client, s3.NewPresignClient(client), opts), nil
}

func NewWithAPI(api API, presign Presigner, opts Options) *Store {
	partSize := opts.PartSize
	if partSize < MinPartSize {
		partSize = DefaultPartSize
	}
	prefix := strings.Trim(opts.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Store{
		api:      api,
		presign:  presign,
		bucket:   opts.Bucket,
		prefix:   prefix,
		partSize: partSize,
		uploads:  make(map[string]*upload),
	}
}

func (s *Store) objectKey(fid string) string { return s.prefix + "objects/" + fid }

func (s *Store) pathKey(p string) string { return s.prefix + "paths" + p }

func (s *Store) childKey(parentFid, name string) string {
	if parentFid == "" {
		parentFid = "root"
	}
	return s.prefix + "children/" + parentFid + "/" + url.PathEscape(name)
}

// mapError turns SDK failures into the engine's error classes.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	var noUpload *s3types.NoSuchUpload
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) || errors.As(err, &noUpload) {
		return fmt.Errorf("%s: %w", op, types.ErrNotFound)
	}
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		switch code := status.HTTPStatusCode(); {
		case code == 404:
			return fmt.Errorf("%s: %w", op, types.ErrNotFound)
		case code == 400, code == 403, code == 409, code == 411, code == 413:
			return fmt.Errorf("%s: %w: %v", op, types.ErrRejected, err)
		}
	}
	return fmt.Errorf("%s: %w: %v", op, types.ErrUnavailable, err)
}

func isInvalidRange(err error) bool {
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == 416
}

func encodeMeta(info types.ObjectInfo) map[string]string {
	m := map[string]string{
		"fid":        info.Fid,
		"name":       url.QueryEscape(info.Name),
		"plain-size": strconv.FormatInt(info.PlainSize, 10),
		"encrypt":    strconv.Itoa(int(info.Encrypt)),
		"version":    strconv.FormatInt(info.Version, 10),
		"created":    strconv.FormatInt(info.CreatedAt.Unix(), 10),
	}
	set := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	set("parent", info.ParentFid)
	set("path", url.QueryEscape(info.Path))
	set("digest", info.Digest)
	set("owner-appid", info.OwnerAppid)
	set("owner-appuid", info.OwnerAppuid)
	if info.IsDir {
		m["dir"] = "1"
	}
	if len(info.Tags) > 0 {
		tags := make([]string, len(info.Tags))
		for i, t := range info.Tags {
			tags[i] = url.QueryEscape(t)
		}
		m["tags"] = strings.Join(tags, ",")
	}
	return m
}

func decodeMeta(m map[string]string) types.ObjectInfo {
	unescape := func(v string) string {
		if out, err := url.QueryUnescape(v); err == nil {
			return out
		}
		return v
	}
	info := types.ObjectInfo{
		Fid:         m["fid"],
		Name:        unescape(m["name"]),
		ParentFid:   m["parent"],
		Path:        unescape(m["path"]),
		Digest:      m["digest"],
		IsDir:       m["dir"] == "1",
		OwnerAppid:  m["owner-appid"],
		OwnerAppuid: m["owner-appuid"],
	}
	info.PlainSize, _ = strconv.ParseInt(m["plain-size"], 10, 64)
	info.Version, _ = strconv.ParseInt(m["version"], 10, 64)
	if enc, err := strconv.Atoi(m["encrypt"]); err == nil {
		info.Encrypt = types.EncryptType(enc)
	}
	if ts, err := strconv.ParseInt(m["created"], 10, 64); err == nil && ts > 0 {
		info.CreatedAt = time.Unix(ts, 0)
	}
	if tags := m["tags"]; tags != "" {
		for _, t := range strings.Split(tags, ",") {
			info.Tags = append(info.Tags, unescape(t))
		}
	}
	return info
}

// pointer reads the fid stored in a path or child entry.
func (s *Store) pointer(ctx context.Context, key string) (string, bool, error) {
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		err = mapError("head "+key, err)
		if errors.Is(err, types.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	fid := out.Metadata["fid"]
	return fid, fid != "", nil
}

func (s *Store) putPointer(ctx context.Context, key, fid string) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		Metadata:      map[string]string{"fid": fid},
	})
	return mapError("put "+key, err)
}

func (s *Store) Stat(ctx context.Context, fid string) (*types.ObjectInfo, error) {
	if fid == "" || strings.Contains(fid, "/") {
		return nil, fmt.Errorf("object %q: %w", fid, types.ErrNotFound)
	}
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.objectKey(fid))})
	if err != nil {
		return nil, mapError("object "+fid, err)
	}
	info := decodeMeta(out.Metadata)
	info.Fid = fid
	info.Size = aws.ToInt64(out.ContentLength)
	info.ContentType = aws.ToString(out.ContentType)
	if info.CreatedAt.IsZero() && out.LastModified != nil {
		info.CreatedAt = *out.LastModified
	}
	return &info, nil
}

func (s *Store) BeginUpload(ctx context.Context, spec backend.UploadSpec) (string, error) {
	if spec.Size < 0 {
		return "", fmt.Errorf("%w: negative size", types.ErrRejected)
	}
	if spec.Path != "" {
		spec.Path = path.Clean("/" + strings.TrimSpace(spec.Path))
	}
	if spec.Name == "" && spec.Path != "" {
		spec.Name = path.Base(spec.Path)
	}
	if spec.Name == "" {
		return "", fmt.Errorf("%w: object needs a name or path", types.ErrRejected)
	}
	if id, ok := backend.IdentityFrom(ctx); ok && spec.OwnerAppid == "" && spec.OwnerAppuid == "" {
		spec.OwnerAppid, spec.OwnerAppuid = id.Appid, id.Appuid
	}
	if spec.ParentFid != "" {
		parent, err := s.Stat(ctx, spec.ParentFid)
		if err != nil {
			return "", err
		}
		if !parent.IsDir {
			return "", fmt.Errorf("%w: parent %s is not a directory", types.ErrRejected, spec.ParentFid)
		}
	}

	info := types.ObjectInfo{
		Fid:         uuid.New().String(),
		Name:        spec.Name,
		ParentFid:   spec.ParentFid,
		Path:        spec.Path,
		PlainSize:   spec.PlainSize,
		Digest:      spec.Digest,
		Encrypt:     spec.Encrypt,
		ContentType: spec.ContentType,
		Version:     1,
		OwnerAppid:  spec.OwnerAppid,
		OwnerAppuid: spec.OwnerAppuid,
		Tags:        spec.Tags,
		CreatedAt:   time.Now(),
	}
	if spec.Path != "" {
		fid, exists, err := s.pointer(ctx, s.pathKey(spec.Path))
		if err != nil {
			return "", err
		}
		if exists {
			if !spec.Force {
				return "", fmt.Errorf("%w: %s already exists", types.ErrRejected, spec.Path)
			}
			prev, err := s.Stat(ctx, fid)
			if err != nil && !errors.Is(err, types.ErrNotFound) {
				return "", err
			}
			info.Fid = fid
			if prev != nil {
				info.Version = prev.Version + 1
			}
		}
	}

	up := &upload{fid: info.Fid, key: s.objectKey(info.Fid), spec: spec, info: info}
	contentType := spec.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if spec.Size >= s.partSize {
		out, err := s.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(up.key),
			ContentType: aws.String(contentType),
			Metadata:    encodeMeta(info),
		})
		if err != nil {
			return "", mapError("create multipart upload", err)
		}
		up.s3ID = aws.ToString(out.UploadId)
	}

	id := uuid.New().String()
	s.mu.Lock()
	s.uploads[id] = up
	s.mu.Unlock()
	utils.Debug("s3store: begin upload %s fid=%s size=%d multipart=%t", id, info.Fid, spec.Size, up.s3ID != "")
	return id, nil
}

func (s *Store) lookup(uploadID string) (*upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[uploadID]
	if !ok {
		return nil, fmt.Errorf("upload %s: %w", uploadID, types.ErrNotFound)
	}
	return up, nil
}

// flush sends the buffered bytes as the next multipart part.
func (s *Store) flush(ctx context.Context, up *upload) error {
	if len(up.buf) == 0 {
		return nil
	}
	num := int32(len(up.parts) + 1)
	out, err := s.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(up.key),
		UploadId:      aws.String(up.s3ID),
		PartNumber:    aws.Int32(num),
		Body:          bytes.NewReader(up.buf),
		ContentLength: aws.Int64(int64(len(up.buf))),
	})
	if err != nil {
		return mapError(fmt.Sprintf("upload part %d", num), err)
	}
	up.parts = append(up.parts, s3types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(num)})
	up.buf = up.buf[:0]
	return nil
}

// PutChunk accepts chunks in offset order. A chunk the store already holds
// is acknowledged again without being re-sent.
func (s *Store) PutChunk(ctx context.Context, uploadID string, offset int64, data []byte) error {
	up, err := s.lookup(uploadID)
	if err != nil {
		return err
	}
	up.mu.Lock()
	defer up.mu.Unlock()

	end := offset + int64(len(data))
	if offset < up.received && end <= up.received {
		return nil
	}
	if offset != up.received {
		return fmt.Errorf("%w: offset %d, expected %d", types.ErrRejected, offset, up.received)
	}
	if end > up.spec.Size {
		return fmt.Errorf("%w: chunk exceeds declared size %d", types.ErrRejected, up.spec.Size)
	}

	mark := len(up.buf)
	up.buf = append(up.buf, data...)
	if up.s3ID != "" && int64(len(up.buf)) >= s.partSize {
		if err := s.flush(ctx, up); err != nil {
			up.buf = up.buf[:mark]
			return err
		}
	}
	up.received = end
	return nil
}

func (s *Store) CommitUpload(ctx context.Context, uploadID string) (*types.ObjectInfo, error) {
	up, err := s.lookup(uploadID)
	if err != nil {
		return nil, err
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	if up.received != up.spec.Size {
		return nil, fmt.Errorf("%w: received %d of %d bytes", types.ErrSizeMismatch, up.received, up.spec.Size)
	}

	if up.s3ID == "" {
		contentType := up.info.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(up.key),
			Body:          bytes.NewReader(up.buf),
			ContentLength: aws.Int64(int64(len(up.buf))),
			ContentType:   aws.String(contentType),
			Metadata:      encodeMeta(up.info),
		})
		if err != nil {
			return nil, mapError("put object", err)
		}
	} else {
		if err := s.flush(ctx, up); err != nil {
			return nil, err
		}
		_, err = s.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(up.key),
			UploadId:        aws.String(up.s3ID),
			MultipartUpload: &s3types.CompletedMultipartUpload{Parts: up.parts},
		})
		if err != nil {
			return nil, mapError("complete multipart upload", err)
		}
	}

	if up.spec.Path != "" {
		if err := s.putPointer(ctx, s.pathKey(up.spec.Path), up.fid); err != nil {
			return nil, err
		}
	}
	if up.spec.ParentFid != "" {
		if err := s.putPointer(ctx, s.childKey(up.spec.ParentFid, up.spec.Name), up.fid); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	delete(s.uploads, uploadID)
	s.mu.Unlock()

	info := up.info
	info.Size = up.received
	return &info, nil
}

func (s *Store) AbortUpload(ctx context.Context, uploadID string) error {
	s.mu.Lock()
	up, ok := s.uploads[uploadID]
	delete(s.uploads, uploadID)
	s.mu.Unlock()
	if !ok || up.s3ID == "" {
		return nil
	}
	_, err := s.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(up.key),
		UploadId: aws.String(up.s3ID),
	})
	if err := mapError("abort multipart upload", err); err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	return nil
}

func (s *Store) ReadChunk(ctx context.Context, fid string, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", types.ErrRejected)
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(fid)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		if isInvalidRange(err) {
			return nil, nil
		}
		return nil, mapError("object "+fid, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(io.LimitReader(out.Body, length))
	if err != nil {
		return nil, mapError("read object "+fid, err)
	}
	return data, nil
}

func (s *Store) CreateDir(ctx context.Context, parentFid, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("%w: bad directory name %q", types.ErrRejected, name)
	}
	if parentFid != "" {
		parent, err := s.Stat(ctx, parentFid)
		if err != nil {
			return "", err
		}
		if !parent.IsDir {
			return "", fmt.Errorf("%w: parent %s is not a directory", types.ErrRejected, parentFid)
		}
	}
	key := s.childKey(parentFid, name)
	if fid, exists, err := s.pointer(ctx, key); err != nil {
		return "", err
	} else if exists {
		existing, err := s.Stat(ctx, fid)
		if err != nil {
			return "", err
		}
		if !existing.IsDir {
			return "", fmt.Errorf("%w: %s exists and is a file", types.ErrRejected, name)
		}
		return fid, nil
	}

	info := types.ObjectInfo{
		Fid:       uuid.New().String(),
		Name:      name,
		ParentFid: parentFid,
		IsDir:     true,
		Version:   1,
		CreatedAt: time.Now(),
	}
	if id, ok := backend.IdentityFrom(ctx); ok {
		info.OwnerAppid, info.OwnerAppuid = id.Appid, id.Appuid
	}
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(info.Fid)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		Metadata:      encodeMeta(info),
	})
	if err != nil {
		return "", mapError("create dir", err)
	}
	if err := s.putPointer(ctx, key, info.Fid); err != nil {
		return "", err
	}
	return info.Fid, nil
}

// URL presigns a GET for the current version. Only the newest version is
// retained, so asking for any other one fails with ErrNotFound.
func (s *Store) URL(ctx context.Context, fid string, version int64, p string) (string, error) {
	info, err := s.Stat(ctx, fid)
	if err != nil {
		return "", err
	}
	if info.IsDir {
		return "", fmt.Errorf("%w: %s is a directory", types.ErrRejected, fid)
	}
	if version > 0 && version != info.Version {
		return "", fmt.Errorf("object %s version %d: %w", fid, version, types.ErrNotFound)
	}
	in := &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.objectKey(fid))}
	if p != "" {
		in.ResponseContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", path.Base(p)))
	}
	req, err := s.presign.PresignGetObject(ctx, in, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return "", mapError("presign "+fid, err)
	}
	return req.URL, nil
}

// ThumbURL only serves originals; S3 does not render thumbnails.
func (s *Store) ThumbURL(ctx context.Context, fid string, kind types.ThumbType) (string, error) {
	if kind != types.ThumbOriginal {
		return "", fmt.Errorf("%w: thumbnails are not supported by s3 storage", types.ErrRejected)
	}
	return s.URL(ctx, fid, 0, "")
}

func (s *Store) Close() error { return nil }
