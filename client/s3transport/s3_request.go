package s3transport

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joy-dx/netmux/utils"
)

var (
	ErrNotS3URL          = errors.New("not an s3:// url")
	ErrUnsupportedMethod = errors.New("method has no s3 operation")
)

type Operation string

const (
	OpGet    Operation = "get"
	OpPut    Operation = "put"
	OpDelete Operation = "delete"
	OpList   Operation = "list"
)

// S3Request is the operation an http.Request addressed at s3://bucket/key maps to.
// Middlewares may alter it before Finalize builds the SDK input.
type S3Request struct {
	Operation     Operation
	Bucket        string
	Key           string
	Prefix        string
	Body          io.Reader
	ContentLength int64
	ContentType   string
	CacheControl  string
	Metadata      map[string]string
	// Offset requests the object from this byte on
	Offset  int64
	IfMatch string

	GetInput    *s3.GetObjectInput
	PutInput    *s3.PutObjectInput
	DeleteInput *s3.DeleteObjectInput
	ListInput   *s3.ListObjectsV2Input
}

// requestFromHTTP maps GET to get (or list for keys ending in "/"), PUT and
// POST to put, DELETE to delete. Metadata comes from X-Amz-Meta-* headers.
func requestFromHTTP(req *http.Request) (*S3Request, error) {
	if req.URL == nil || !strings.EqualFold(req.URL.Scheme, "s3") || req.URL.Host == "" {
		return nil, ErrNotS3URL
	}
	r := &S3Request{
		Bucket:        req.URL.Host,
		Key:           strings.TrimPrefix(req.URL.Path, "/"),
		ContentLength: -1,
		Metadata:      make(map[string]string),
	}

	switch req.Method {
	case http.MethodGet, "":
		if r.Key == "" || strings.HasSuffix(r.Key, "/") {
			r.Operation = OpList
			r.Prefix = r.Key
			r.Key = ""
			if p := req.URL.Query().Get("prefix"); p != "" {
				r.Prefix = p
			}
		} else {
			r.Operation = OpGet
		}
	case http.MethodPut, http.MethodPost:
		r.Operation = OpPut
		r.ContentType = req.Header.Get("Content-Type")
		r.CacheControl = req.Header.Get("Cache-Control")
		for k, v := range req.Header {
			if name, ok := strings.CutPrefix(k, utils.MetadataHeaderPrefix); ok && len(v) > 0 {
				r.Metadata[strings.ToLower(name)] = v[0]
			}
		}
	case http.MethodDelete:
		r.Operation = OpDelete
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, req.Method)
	}

	if r.Operation != OpList && r.Key == "" {
		return nil, fmt.Errorf("%w: missing object key", ErrNotS3URL)
	}
	return r, nil
}

// Finalize builds the deterministic AWS SDK input struct for the operation.
// Call this exactly once after middleware has run and before executing.
func (r *S3Request) Finalize() error {
	r.PutInput = nil
	r.GetInput = nil
	r.DeleteInput = nil
	r.ListInput = nil

	switch r.Operation {
	case OpGet:
		r.GetInput = &s3.GetObjectInput{
			Bucket: aws.String(r.Bucket),
			Key:    aws.String(r.Key),
		}
		if r.Offset > 0 {
			r.GetInput.Range = aws.String(fmt.Sprintf("bytes=%d-", r.Offset))
		}
		if r.IfMatch != "" {
			r.GetInput.IfMatch = aws.String(r.IfMatch)
		}
		return nil

	case OpPut:
		in := &s3.PutObjectInput{
			Bucket: aws.String(r.Bucket),
			Key:    aws.String(r.Key),
			Body:   r.Body,
		}
		if r.ContentLength >= 0 {
			in.ContentLength = aws.Int64(r.ContentLength)
		}
		if r.ContentType != "" {
			in.ContentType = aws.String(r.ContentType)
		}
		if r.CacheControl != "" {
			in.CacheControl = aws.String(r.CacheControl)
		}
		if len(r.Metadata) > 0 {
			md := make(map[string]string, len(r.Metadata))
			for k, v := range r.Metadata {
				md[k] = v
			}
			in.Metadata = md
		}
		r.PutInput = in
		return nil

	case OpDelete:
		r.DeleteInput = &s3.DeleteObjectInput{
			Bucket: aws.String(r.Bucket),
			Key:    aws.String(r.Key),
		}
		return nil

	case OpList:
		r.ListInput = &s3.ListObjectsV2Input{
			Bucket: aws.String(r.Bucket),
		}
		if r.Prefix != "" {
			r.ListInput.Prefix = aws.String(r.Prefix)
		}
		return nil

	default:
		return fmt.Errorf("unsupported s3 operation: %s", r.Operation)
	}
}
