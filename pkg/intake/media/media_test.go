package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckUpload(t *testing.T) {
	const maxBytes = 10 << 20
	cases := []struct {
		name    string
		present bool
		ctype   string
		size    int64
		wantMsg string
	}{
		{"missing", false, "", 0, MsgNoFile},
		{"unsupported", true, "application/zip", 1, MsgUnsupportedType},
		{"too large", true, "application/pdf", maxBytes + 1, "File too large (max 10MB)"},
		{"ok", true, "image/png", maxBytes, ""},
		{"docx", true, "application/vnd.openxmlformats-officedocument.wordprocessingml.document", 5, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckUpload(tc.present, tc.ctype, tc.size, maxBytes)
			if tc.wantMsg == "" {
				require.NoError(t, err)
				return
			}
			var uerr *UploadError
			require.ErrorAs(t, err, &uerr)
			require.Equal(t, tc.wantMsg, uerr.Message)
		})
	}
}

func TestKeys(t *testing.T) {
	up := UploadKey("Scan.PDF")
	require.Regexp(t, regexp.MustCompile(`^uploads/[0-9a-f]{32}\.pdf$`), up)

	day := time.Date(2026, 3, 7, 23, 0, 0, 0, time.UTC)
	att := AttachmentKey("photo.JPG", day)
	require.Regexp(t, regexp.MustCompile(`^attachments/2026/03/07/[0-9a-f]{32}\.jpg$`), att)

	require.Regexp(t, regexp.MustCompile(`^uploads/[0-9a-f]{32}$`), UploadKey("README"))
	require.NotEqual(t, UploadKey("a.txt"), UploadKey("a.txt"))
}

func TestCleanKey(t *testing.T) {
	for _, bad := range []string{"", "/etc/passwd", "../x", "a/../../x", "a//b", "a\\b", "."} {
		_, err := cleanKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", bad)
	}
	got, err := cleanKey("uploads/abc.pdf")
	require.NoError(t, err)
	require.Equal(t, "uploads/abc.pdf", got)
}

func TestLocal_SaveAndURL(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocal(dir, "/media/")
	require.NoError(t, err)

	obj, err := l.Save(context.Background(), "uploads/a.txt", "text/plain", strings.NewReader("hello"), 5)
	require.NoError(t, err)
	require.Equal(t, "uploads/a.txt", obj.Key)
	require.Equal(t, int64(5), obj.Size)
	require.Equal(t, "/media/uploads/a.txt", obj.URL)

	data, err := os.ReadFile(filepath.Join(dir, "uploads", "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	_, err = l.Save(context.Background(), "uploads/a.txt", "text/plain", strings.NewReader("again"), 5)
	require.Error(t, err)

	_, err = l.Save(context.Background(), "../escape.txt", "text/plain", strings.NewReader("x"), 1)
	require.ErrorIs(t, err, ErrInvalidKey)
}

type fakePutter struct {
	got  *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.got = in
	if in.Body != nil {
		f.body, _ = io.ReadAll(in.Body)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3_Save(t *testing.T) {
	fake := &fakePutter{}
	s := NewS3WithClient(fake, S3Config{Bucket: "intake", Region: "us-east-1"})

	obj, err := s.Save(context.Background(), "attachments/2026/01/01/x.pdf", "application/pdf", bytes.NewReader([]byte("pdf")), 3)
	require.NoError(t, err)
	require.Equal(t, "intake", aws.ToString(fake.got.Bucket))
	require.Equal(t, "attachments/2026/01/01/x.pdf", aws.ToString(fake.got.Key))
	require.Equal(t, "application/pdf", aws.ToString(fake.got.ContentType))
	require.Equal(t, int64(3), aws.ToInt64(fake.got.ContentLength))
	require.Equal(t, "pdf", string(fake.body))
	require.Equal(t, "https://intake.s3.us-east-1.amazonaws.com/attachments/2026/01/01/x.pdf", obj.URL)
}

func TestS3_SaveError(t *testing.T) {
	fake := &fakePutter{err: errors.New("denied")}
	s := NewS3WithClient(fake, S3Config{Bucket: "intake", Region: "us-east-1"})
	_, err := s.Save(context.Background(), "uploads/a.txt", "text/plain", strings.NewReader("x"), 1)
	require.ErrorContains(t, err, "denied")
}

func TestS3_ObjectURLs(t *testing.T) {
	cases := []struct {
		cfg  S3Config
		want string
	}{
		{S3Config{Bucket: "b", Region: "eu-west-1"}, "https://b.s3.eu-west-1.amazonaws.com/k"},
		{S3Config{Bucket: "b", Region: "eu-west-1", UsePathStyle: true}, "https://s3.eu-west-1.amazonaws.com/b/k"},
		{S3Config{Bucket: "b", Region: "r", Endpoint: "http://minio:9000", UsePathStyle: true}, "http://minio:9000/b/k"},
		{S3Config{Bucket: "b", Region: "r", Endpoint: "https://storage.example"}, "https://b.storage.example/k"},
		{S3Config{Bucket: "b", Region: "r", PublicBaseURL: "https://cdn.example/media/"}, "https://cdn.example/media/k"},
		{S3Config{Bucket: "b", Region: "r", PublicBaseURL: "/media/"}, "https://b.s3.r.amazonaws.com/k"},
	}
	for _, tc := range cases {
		s := NewS3WithClient(&fakePutter{}, tc.cfg)
		assert.Equal(t, tc.want, s.URL("k"))
	}
}

func TestNewS3_Validates(t *testing.T) {
	_, err := NewS3(S3Config{Region: "us-east-1"})
	require.Error(t, err)
	_, err = NewS3(S3Config{Bucket: "b"})
	require.Error(t, err)
	s, err := NewS3(S3Config{Bucket: "b", Region: "us-east-1", AccessKeyID: "AKIA", SecretAccessKey: "secret", Endpoint: "http://localhost:9000", UsePathStyle: true})
	require.NoError(t, err)
	require.Equal(t, "http://localhost:9000/b/x", s.URL("x"))
}
