package publish

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestPublishedURL(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		source  string
		want    string
	}{
		{"plain", "http://example.com/pub", "/tmp/kernel.tar.gz", "http://example.com/pub/kernel.tar.gz"},
		{"trailing slash", "http://example.com/pub/", "/tmp/kernel.tar.gz", "http://example.com/pub/kernel.tar.gz"},
		{"bare name", "http://example.com", "config", "http://example.com/config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, publishedURL(tt.baseURL, tt.source))
		})
	}
}

func TestCpPublisherCopiesAndReturnsURL(t *testing.T) {
	src := writeArtifact(t, t.TempDir(), "kernel.tar.gz", "tarball")
	dest := t.TempDir()

	p := &CpPublisher{Destination: dest, BaseURL: "http://example.com/pub"}
	url, err := p.Publish(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/pub/kernel.tar.gz", url)

	copied, err := os.ReadFile(filepath.Join(dest, "kernel.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, "tarball", string(copied))
}

func TestCpPublisherMissingSource(t *testing.T) {
	p := &CpPublisher{Destination: t.TempDir(), BaseURL: "http://example.com"}
	_, err := p.Publish(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestNewSelectsPublisherType(t *testing.T) {
	p, err := New(context.Background(), "cp", "/srv/pub", "http://example.com", nil)
	require.NoError(t, err)
	assert.IsType(t, &CpPublisher{}, p)

	p, err = New(context.Background(), "scp", "host:/srv/pub", "http://example.com", nil)
	require.NoError(t, err)
	assert.IsType(t, &ScpPublisher{}, p)

	_, err = New(context.Background(), "ftp", "/srv/pub", "http://example.com", nil)
	assert.Error(t, err)
}

type fakeS3 struct {
	puts map[string]string
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	if f.puts == nil {
		f.puts = map[string]string{}
	}
	f.puts[*params.Bucket+"/"+*params.Key] = string(body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3PublisherUploadsUnderPrefix(t *testing.T) {
	src := writeArtifact(t, t.TempDir(), "kernel.tar.gz", "tarball")
	fake := &fakeS3{}

	p, err := newS3PublisherWithClient(fake, "artifacts/builds/x86_64", "http://cdn.example.com/builds/x86_64", nil)
	require.NoError(t, err)

	url, err := p.Publish(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "http://cdn.example.com/builds/x86_64/kernel.tar.gz", url)
	assert.Equal(t, "tarball", fake.puts["artifacts/builds/x86_64/kernel.tar.gz"])
}

func TestS3PublisherRequiresBucket(t *testing.T) {
	_, err := newS3PublisherWithClient(&fakeS3{}, "/", "http://example.com", nil)
	assert.Error(t, err)
}

func TestPublishGlob(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, root, "build/kernel.tar.gz", "tarball")
	writeArtifact(t, root, "build/config-5.14", "config")
	writeArtifact(t, root, "build/notes.txt", "notes")

	dest := t.TempDir()
	p := &CpPublisher{Destination: dest, BaseURL: "http://example.com/pub"}

	urls, err := PublishGlob(context.Background(), p, root, "build/{kernel.tar.gz,config-*}", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"http://example.com/pub/kernel.tar.gz",
		"http://example.com/pub/config-5.14",
	}, urls)

	_, err = os.Stat(filepath.Join(dest, "notes.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestPublishGlobSkipsDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	writeArtifact(t, root, "sub/a.log", "log")

	dest := t.TempDir()
	p := &CpPublisher{Destination: dest, BaseURL: "http://example.com"}

	urls, err := PublishGlob(context.Background(), p, root, "**", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://example.com/a.log"}, urls)
}
