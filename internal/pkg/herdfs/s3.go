package herdfs

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/mattetti/filebuffer"
)

// ErrNoClient is returned by an S3FileSystem that has not been initialized.
var ErrNoClient = errors.New("herdfs: s3 client is not initialized")

// S3FileSystem reads and writes objects addressed as s3://bucket/key.
type S3FileSystem struct {
	s3Client s3iface.S3API
}

func parseS3URI(uri string) (*url.URL, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "s3" {
		return nil, fmt.Errorf("herdfs: not an s3 uri: %s", uri)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("herdfs: missing bucket in %s", uri)
	}
	parsed.Path = strings.TrimPrefix(parsed.Path, "/")
	if parsed.Path == "" {
		return nil, fmt.Errorf("herdfs: missing key in %s", uri)
	}
	return parsed, nil
}

// OpenReader fetches the object at filePath.
func (s *S3FileSystem) OpenReader(filePath string) (io.ReadCloser, error) {
	if s.s3Client == nil {
		return nil, ErrNoClient
	}
	parsed, err := parseS3URI(filePath)
	if err != nil {
		return nil, err
	}

	output, err := s.s3Client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(parsed.Host),
		Key:    aws.String(parsed.Path),
	})
	if err != nil {
		return nil, err
	}
	return output.Body, nil
}

// OpenWriter returns a writer that uploads its contents to filePath on Close.
func (s *S3FileSystem) OpenWriter(filePath string) (io.WriteCloser, error) {
	if s.s3Client == nil {
		return nil, ErrNoClient
	}
	parsed, err := parseS3URI(filePath)
	if err != nil {
		return nil, err
	}

	return &s3Writer{
		client: s.s3Client,
		bucket: parsed.Host,
		key:    parsed.Path,
		buf:    filebuffer.New([]byte{}),
	}, nil
}

// Init initializes the S3 client from the shared AWS config.
func (s *S3FileSystem) Init() error {
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return err
	}
	s.s3Client = s3.New(sess)
	return nil
}

type s3Writer struct {
	client s3iface.S3API
	bucket string
	key    string
	buf    *filebuffer.Buffer
}

func (s *s3Writer) Write(p []byte) (n int, err error) {
	return s.buf.Write(p)
}

func (s *s3Writer) Close() error {
	s.buf.Seek(0, io.SeekStart)
	input := &s3.PutObjectInput{
		Body:   s.buf,
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	}
	_, err := s.client.PutObject(input)
	return err
}
