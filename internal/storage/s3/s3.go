// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements BlockStore on an s3 compatible object store. It uses
// aws api v1. Every block is one object of exactly blockSize raw bytes:
//
//	<bucket>/exports/<export>/blocks/<block_id>
//
// An object PUT replaces the whole object atomically, so a block write needs
// no temporary key. Durability is the object store's: a successful PUT is
// already durable, hence Flush only verifies the bucket is still reachable.
package s3

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	awss3 "github.com/aws/aws-sdk-go/service/s3"
	"golang.org/x/net/http2"

	"github.com/asch/nbs/internal/storage"
)

const (
	// Format string for object keys. Kept in one place because the layout
	// is a compatibility contract: the same export must read back
	// identically across restarts and across backend kinds.
	keyFmt = "exports/%s/blocks/%d"
)

// objectAPI is the slice of the s3 client surface this package uses.
// *awss3.S3 satisfies it; tests substitute a map-backed fake.
type objectAPI interface {
	GetObject(*awss3.GetObjectInput) (*awss3.GetObjectOutput, error)
	PutObject(*awss3.PutObjectInput) (*awss3.PutObjectOutput, error)
	HeadBucket(*awss3.HeadBucketInput) (*awss3.HeadBucketOutput, error)
	CreateBucket(*awss3.CreateBucketInput) (*awss3.CreateBucketOutput, error)
	WaitUntilBucketExists(*awss3.HeadBucketInput) error
}

// Store persists blocks as objects in a single bucket. Parameters of the
// http connection are tuned for object backends in the AWS environment.
type Store struct {
	client    objectAPI
	bucket    string
	blockSize int
}

// Options to use in New() function due to high number of parameters. There
// is lower chance of ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	BlockSize int
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

// Returns http client with configured parameters and added https2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			DualStack: true,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}

func New(o Options) (*Store, error) {
	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	})

	if err != nil {
		return nil, err
	}

	s := &Store{
		client:    awss3.New(sess),
		bucket:    o.Bucket,
		blockSize: o.BlockSize,
	}

	err = s.makeBucketExist()

	return s, err
}

// newWithClient is the constructor used by tests.
func newWithClient(client objectAPI, bucket string, blockSize int) *Store {
	return &Store{client: client, bucket: bucket, blockSize: blockSize}
}

func key(export string, blockID int64) string {
	return fmt.Sprintf(keyFmt, export, blockID)
}

// ReadBlock downloads one block object. A missing key is a block that was
// never written and reads as zeroes. An object of the wrong length is
// reported, never padded or truncated.
func (s *Store) ReadBlock(export string, blockID int64, blockSize int) ([]byte, error) {
	out, err := s.client.GetObject(&awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key(export, blockID)),
	})
	if isNoSuchKey(err) {
		return storage.ZeroBlock(blockSize), nil
	}
	if err != nil {
		return nil, storage.Unavailable("read_block", export, err)
	}
	defer out.Body.Close()

	data, err := ioutil.ReadAll(out.Body)
	if err != nil {
		return nil, storage.Unavailable("read_block", export, err)
	}

	if len(data) != blockSize {
		return nil, &storage.BlockSizeError{
			Export: export, BlockID: blockID, Got: len(data), Want: blockSize,
		}
	}

	return data, nil
}

// WriteBlock uploads the full block object. The per-export key prefix needs
// no explicit creation, prefixes materialize with their first object.
func (s *Store) WriteBlock(export string, blockID int64, data []byte) error {
	if len(data) != s.blockSize {
		return &storage.BlockSizeError{
			Export: export, BlockID: blockID, Got: len(data), Want: s.blockSize,
		}
	}

	_, err := s.client.PutObject(&awss3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key(export, blockID)),
		Body:   bytes.NewReader(data),
	})

	return storage.Unavailable("write_block", export, err)
}

// Flush has nothing to push since every accepted PutObject is already
// durable. It only verifies the bucket is still reachable so that a dead
// backend surfaces at the flush boundary rather than silently.
func (s *Store) Flush(export string) error {
	_, err := s.client.HeadBucket(&awss3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return storage.Unavailable("flush", export, err)
}

// Check whether bucket exist and if not, create it and wait until it
// appears.
func (s *Store) makeBucketExist() error {
	_, err := s.client.HeadBucket(&awss3.HeadBucketInput{Bucket: aws.String(s.bucket)})

	if err != nil {
		_, err = s.client.CreateBucket(&awss3.CreateBucketInput{
			Bucket: aws.String(s.bucket)})

		if err == nil {
			err = s.client.WaitUntilBucketExists(&awss3.HeadBucketInput{
				Bucket: aws.String(s.bucket)})
		}
	}

	return err
}

func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case awss3.ErrCodeNoSuchKey, "NotFound", "404":
			return true
		}
	}
	return false
}
