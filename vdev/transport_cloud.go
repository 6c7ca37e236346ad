package vdev

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// CloudTransport backs a leaf with a single S3 object treated as a flat
// addressable blob (no write cache, no discard), for pools whose leaves
// are cloud-resident device images rather than local block devices.
// Range GETs serve reads; writes are read-modify-write against the whole
// object since S3 has no native byte-range PUT.
type CloudTransport struct {
	client *s3.Client
	upl    *manager.Uploader
	bucket string
	key    string
	size   int64

	mu sync.Mutex
}

func NewCloudTransport(client *s3.Client, bucket, key string, size int64) *CloudTransport {
	return &CloudTransport{
		client: client,
		upl:    manager.NewUploader(client),
		bucket: bucket,
		key:    key,
		size:   size,
	}
}

func (t *CloudTransport) ReadAt(p []byte, off int64) (int, error) {
	rng := aws.String(rangeHeader(off, int64(len(p))))
	out, err := t.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key),
		Range:  rng,
	})
	if err != nil {
		return 0, &TransportError{Result: classifyS3Err(err), Cause: err}
	}
	defer out.Body.Close()
	n, err := io.ReadFull(out.Body, p)
	if err != nil && err != io.ErrUnexpectedEOF {
		return n, &TransportError{Result: ResultMediumError, Cause: err}
	}
	return n, nil
}

// WriteAt is necessarily whole-object under S3's API: lock, pull the
// current object, splice in p at off, re-upload. Acceptable for the
// optional cloud-leaf backend this core treats as a degenerate,
// low-throughput vdev rather than a primary I/O path.
func (t *CloudTransport) WriteAt(p []byte, off int64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf := make([]byte, t.size)
	if _, err := t.ReadAt(buf, 0); err != nil {
		return 0, err
	}
	n := copy(buf[off:], p)

	_, err := t.upl.Upload(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key),
		Body:   bytes.NewReader(buf),
	})
	if err != nil {
		return 0, &TransportError{Result: classifyS3Err(err), Cause: err}
	}
	return n, nil
}

func (t *CloudTransport) Flush() error                             { return &TransportError{Result: ResultNotSupported} }
func (t *CloudTransport) Trim(off, size int64, secure bool) error  { return &TransportError{Result: ResultNotSupported} }
func (t *CloudTransport) Gone() bool                               { return false }
func (t *CloudTransport) DiscardCapable() bool                     { return false }
func (t *CloudTransport) HasWriteCache() bool                      { return false }
func (t *CloudTransport) PageAligned([]byte) bool                  { return false } // always bounce-copied

func rangeHeader(off, n int64) string {
	return "bytes=" + itoa(off) + "-" + itoa(off+n-1)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func classifyS3Err(err error) Result {
	var respErr *smithyhttp.ResponseError
	if ok := asResponseError(err, &respErr); ok {
		switch respErr.HTTPStatusCode() {
		case 404:
			return ResultTransportDown
		case 429, 503:
			return ResultTargetBusy
		case 403:
			return ResultProtection
		}
	}
	return ResultIO
}

func asResponseError(err error, target **smithyhttp.ResponseError) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if re, ok := err.(*smithyhttp.ResponseError); ok {
			*target = re
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
