package s3transport

import (
	"context"
	"fmt"
	"strings"
)

// StaticS3MetaMiddleware adds default metadata to each S3 put operation.
// Metadata already present on the request wins.
func StaticS3MetaMiddleware(meta map[string]string) Middleware {
	return func(ctx context.Context, r *S3Request) error {
		if r.Operation != OpPut {
			return nil
		}
		if r.Metadata == nil {
			r.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			if _, ok := r.Metadata[k]; !ok {
				r.Metadata[k] = v
			}
		}
		return nil
	}
}

func LoggingMiddleware(logger func(msg string)) Middleware {
	return func(ctx context.Context, r *S3Request) error {
		target := r.Key
		if r.Operation == OpList {
			target = r.Prefix
		}
		logger(fmt.Sprintf(
			"[S3] %s s3://%s/%s",
			strings.ToUpper(string(r.Operation)),
			r.Bucket,
			target,
		))
		return nil
	}
}
