package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/golang/glog"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	e "github.com/microcosm-cc/modelcache/errors"
	h "github.com/microcosm-cc/modelcache/helpers"
)

// Object layout in the storage bucket:
//
//	<prefix>/<escaped bucket name>/.bucket   marker, exists while the bucket does
//	<prefix>/<escaped bucket name>/<sha1>    gob envelope of one entry
const s3Marker = ".bucket"

// S3Config is the connection information for an S3 compatible endpoint
type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Prefix          string
	UseSSL          bool
}

// s3Client is the subset of *minio.Client used here
type s3Client interface {
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	RemoveObjects(ctx context.Context, bucketName string, objectsCh <-chan minio.ObjectInfo, opts minio.RemoveObjectsOptions) <-chan minio.RemoveObjectError

	// ReadObject returns the whole object body
	ReadObject(ctx context.Context, bucketName, objectName string) ([]byte, error)
}

// minioClient adds ReadObject to *minio.Client
type minioClient struct {
	*minio.Client
}

// ReadObject implements s3Client. GetObject is lazy, a missing object
// surfaces on the first read.
func (c minioClient) ReadObject(ctx context.Context, bucketName, objectName string) ([]byte, error) {
	obj, err := c.GetObject(ctx, bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

// S3Storage keeps cache buckets as object prefixes inside one storage bucket
type S3Storage struct {
	client s3Client
	bucket string
	prefix string
}

type s3Bucket struct {
	s    *S3Storage
	name string
}

// NewS3Storage connects to the endpoint and creates the storage bucket if it
// does not exist yet
func NewS3Storage(ctx context.Context, c S3Config) (*S3Storage, error) {
	client, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.AccessKeyID, c.SecretAccessKey, ""),
		Secure: c.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio.New(%s): %w", c.Endpoint, err)
	}

	exists, err := client.BucketExists(ctx, c.Bucket)
	if err != nil {
		return nil, fmt.Errorf("BucketExists(%s): %w", c.Bucket, err)
	}
	if !exists {
		err = client.MakeBucket(ctx, c.Bucket, minio.MakeBucketOptions{})
		if err != nil {
			return nil, fmt.Errorf("MakeBucket(%s): %w", c.Bucket, err)
		}
		if glog.V(2) {
			glog.Infof("Created storage bucket %s", c.Bucket)
		}
	}

	return newS3Storage(minioClient{client}, c.Bucket, c.Prefix), nil
}

func newS3Storage(client s3Client, bucket string, prefix string) *S3Storage {
	return &S3Storage{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// bucketDir is the object prefix of a cache bucket, with a trailing slash
func (s *S3Storage) bucketDir(name string) string {
	return path.Join(s.prefix, url.PathEscape(name)) + "/"
}

func (s *S3Storage) rootDir() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

func (s *S3Storage) objectName(bucket string, key string) string {
	return s.bucketDir(bucket) + h.KeyHash(bucket, key)
}

// bucketNameFromDir reverses bucketDir for a listed common prefix
func (s *S3Storage) bucketNameFromDir(dir string) (string, bool) {
	rest := strings.TrimPrefix(dir, s.rootDir())
	rest = strings.TrimSuffix(rest, "/")
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	name, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}
	return name, true
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

// Open implements Storage
func (s *S3Storage) Open(ctx context.Context, name string) (Bucket, error) {
	exists, err := s.markerExists(ctx, name)
	if err != nil {
		return nil, err
	}

	if !exists {
		marker := s.bucketDir(name) + s3Marker
		_, err = s.client.PutObject(
			ctx,
			s.bucket,
			marker,
			bytes.NewReader(nil),
			0,
			minio.PutObjectOptions{ContentType: "application/octet-stream"},
		)
		if err != nil {
			return nil, fmt.Errorf("PutObject(%s): %w", marker, err)
		}
	}

	return &s3Bucket{s: s, name: name}, nil
}

// Keys implements Storage. Object storage lists lexically, so unlike the
// other stores the names are not in creation order.
func (s *S3Storage) Keys(ctx context.Context) ([]string, error) {
	names := []string{}

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.rootDir(),
		Recursive: false,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("ListObjects(%s): %w", s.rootDir(), obj.Err)
		}
		if name, ok := s.bucketNameFromDir(obj.Key); ok {
			names = append(names, name)
		}
	}

	return names, nil
}

// markerExists stats the marker object of a cache bucket
func (s *S3Storage) markerExists(ctx context.Context, name string) (bool, error) {
	marker := s.bucketDir(name) + s3Marker

	_, err := s.client.StatObject(ctx, s.bucket, marker, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("StatObject(%s): %w", marker, err)
	}
	return true, nil
}

// Delete implements Storage. The marker goes first, so a Put that lands
// after the listing below finds it missing and removes its own object.
func (s *S3Storage) Delete(ctx context.Context, name string) (bool, error) {
	dir := s.bucketDir(name)

	existed, err := s.markerExists(ctx, name)
	if err != nil {
		return false, err
	}
	if existed {
		err = s.client.RemoveObject(ctx, s.bucket, dir+s3Marker, minio.RemoveObjectOptions{})
		if err != nil {
			return false, fmt.Errorf("RemoveObject(%s): %w", dir+s3Marker, err)
		}
	}

	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    dir,
		Recursive: true,
	})

	for rerr := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			return existed, fmt.Errorf("RemoveObjects(%s): %w", rerr.ObjectName, rerr.Err)
		}
	}

	return existed, nil
}

func (b *s3Bucket) Name() string {
	return b.name
}

func (b *s3Bucket) Match(ctx context.Context, key string) (*Snapshot, bool, error) {
	name := b.s.objectName(b.name, key)

	v, err := b.s.client.ReadObject(ctx, b.s.bucket, name)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading %s: %w", name, err)
	}

	stored, snap, err := decodeEntry(v)
	if err != nil {
		return nil, false, err
	}
	if stored != key {
		glog.Warningf("Object %s holds %s, expected %s", name, stored, key)
		return nil, false, nil
	}

	return snap, true, nil
}

func (b *s3Bucket) deleted(key string) error {
	return e.New(
		b.name,
		"Put",
		e.BucketDeleted,
		fmt.Sprintf("bucket %s was deleted, not storing %s", b.name, key),
	)
}

// put writes one encoded entry. The marker is checked before and after the
// write so an entry written while Delete runs does not outlive the bucket.
func (b *s3Bucket) put(ctx context.Context, key string, v []byte) error {
	ok, err := b.s.markerExists(ctx, b.name)
	if err != nil {
		return err
	}
	if !ok {
		return b.deleted(key)
	}

	name := b.s.objectName(b.name, key)
	_, err = b.s.client.PutObject(
		ctx,
		b.s.bucket,
		name,
		bytes.NewReader(v),
		int64(len(v)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"},
	)
	if err != nil {
		return fmt.Errorf("PutObject(%s): %w", name, err)
	}

	ok, err = b.s.markerExists(ctx, b.name)
	if err != nil {
		return err
	}
	if !ok {
		err = b.s.client.RemoveObject(ctx, b.s.bucket, name, minio.RemoveObjectOptions{})
		if err != nil {
			glog.Warningf("RemoveObject(%s) %+v", name, err)
		}
		return b.deleted(key)
	}
	return nil
}

func (b *s3Bucket) Put(ctx context.Context, key string, snap *Snapshot) error {
	if err := storable(b.name, key, snap); err != nil {
		return err
	}

	v, err := encodeEntry(key, snap)
	if err != nil {
		return err
	}
	return b.put(ctx, key, v)
}

// PutAll encodes every entry before writing any, then writes objects one at a
// time; object storage has no multi-object transaction
func (b *s3Bucket) PutAll(ctx context.Context, entries []Entry) error {
	values := make([][]byte, len(entries))
	for i, en := range entries {
		if err := storable(b.name, en.Key, en.Snapshot); err != nil {
			return err
		}
		v, err := encodeEntry(en.Key, en.Snapshot)
		if err != nil {
			return err
		}
		values[i] = v
	}

	for i, en := range entries {
		if err := b.put(ctx, en.Key, values[i]); err != nil {
			return err
		}
	}
	return nil
}

// Keys reads every entry object, it is meant for status reporting only
func (b *s3Bucket) Keys(ctx context.Context) ([]string, error) {
	dir := b.s.bucketDir(b.name)
	keys := []string{}

	for obj := range b.s.client.ListObjects(ctx, b.s.bucket, minio.ListObjectsOptions{
		Prefix:    dir,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("ListObjects(%s): %w", dir, obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/"+s3Marker) {
			continue
		}

		v, err := b.s.client.ReadObject(ctx, b.s.bucket, obj.Key)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", obj.Key, err)
		}

		key, _, err := decodeEntry(v)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, nil
}
