/*
Copyright 2023 The Localtrack Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package objectstore wraps the S3 API for the MinIO-compatible store that
// holds models, tracker configs and job outputs.
package objectstore

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"

	"github.com/localtrack/localtrack/pkg/localtrack/output/log"
)

// Gateway lists, heads and uploads objects on an S3-compatible endpoint.
type Gateway struct {
	api s3iface.S3API
}

// Options configures the gateway connection. Endpoint empty means the
// SDK's default AWS resolution.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
}

// New connects a Gateway. MinIO needs path-style addressing; virtual-host
// style resolves bucket names through DNS, which a local endpoint can't.
func New(opts Options) (*Gateway, error) {
	cfg := aws.NewConfig().WithRegion(opts.Region).WithS3ForcePathStyle(true)
	if opts.Endpoint != "" {
		cfg = cfg.WithEndpoint(opts.Endpoint)
	}
	if opts.AccessKey != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, ""))
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating object store session: %w", err)
	}
	return &Gateway{api: s3.New(sess)}, nil
}

// NewWithAPI wires an explicit API implementation; used by tests.
func NewWithAPI(api s3iface.S3API) *Gateway {
	return &Gateway{api: api}
}

// ListBySuffix returns s3://bucket/key URIs for every object under prefix
// whose extension is in suffixes.
func (g *Gateway) ListBySuffix(ctx context.Context, bucket, prefix string, suffixes []string) ([]string, error) {
	log.Entry(ctx).Debugf("listing objects in s3://%s/%s", bucket, prefix)
	var uris []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	err := g.api.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			for _, s := range suffixes {
				if path.Ext(key) == s {
					uris = append(uris, fmt.Sprintf("s3://%s/%s", bucket, key))
					break
				}
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("listing s3://%s/%s: %w", bucket, prefix, err)
	}
	log.Entry(ctx).Debugf("found %d objects in s3://%s/%s", len(uris), bucket, prefix)
	return uris, nil
}

// Head reports whether bucket/key exists.
func (g *Gateway) Head(ctx context.Context, bucket, key string) (bool, error) {
	_, err := g.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.RequestFailure); ok && (aerr.StatusCode() == 404 || aerr.Code() == "NotFound") {
			return false, nil
		}
		return false, fmt.Errorf("heading s3://%s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// UploadFile puts a single local file at bucket/key.
func (g *Gateway) UploadFile(ctx context.Context, bucket, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = g.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("uploading %s to s3://%s/%s: %w", localPath, bucket, key, err)
	}
	log.Entry(ctx).Debugf("uploaded %s to s3://%s/%s", localPath, bucket, key)
	return nil
}

// UploadDir uploads every regular file in localDir with a suffix in
// suffixes to bucket/s3Path/<basename> and returns the number uploaded.
// It does not recurse.
func (g *Gateway) UploadDir(ctx context.Context, bucket, s3Path, localDir string, suffixes []string) (int, error) {
	entries, err := os.ReadDir(localDir)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", localDir, err)
	}
	uploaded := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := false
		for _, s := range suffixes {
			if strings.HasSuffix(e.Name(), s) {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		key := path.Join(s3Path, e.Name())
		if err := g.UploadFile(ctx, bucket, key, filepath.Join(localDir, e.Name())); err != nil {
			return uploaded, err
		}
		uploaded++
	}
	return uploaded, nil
}

// Delete removes bucket/key, ignoring missing objects.
func (g *Gateway) Delete(ctx context.Context, bucket, key string) error {
	_, err := g.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// VerifyUpload proves write access by round-tripping a scratch object
// under prefix. The daemon refuses to start when this fails.
func (g *Gateway) VerifyUpload(ctx context.Context, bucket, prefix string) error {
	dir, err := os.MkdirTemp("", "localtrack-verify")
	if err != nil {
		return fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	name := fmt.Sprintf("check-%s.txt", uuid.NewString())
	local := filepath.Join(dir, name)
	if err := os.WriteFile(local, []byte("testing s3 upload"), 0o644); err != nil {
		return fmt.Errorf("writing scratch file: %w", err)
	}

	key := path.Join(prefix, name)
	if err := g.UploadFile(ctx, bucket, key, local); err != nil {
		return err
	}
	if ok, err := g.Head(ctx, bucket, key); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("s3://%s/%s missing after upload", bucket, key)
	}
	return g.Delete(ctx, bucket, key)
}

// ParseURI splits s3://bucket/key into its parts.
func ParseURI(uri string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(uri, "s3://")
	if trimmed == uri {
		return "", "", fmt.Errorf("not an s3 uri: %s", uri)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed s3 uri: %s", uri)
	}
	return parts[0], parts[1], nil
}
