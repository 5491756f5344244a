package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/chabapp/internal/model"
)

// mockS3Client implements s3Client for testing.
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, _ := io.ReadAll(input.Body)
	m.objects[*input.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *input.Key)
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 returns everything in a single page.
func (m *mockS3Client) ListObjectsV2(_ context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := aws.ToString(input.Prefix)
	delim := aws.ToString(input.Delimiter)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	seen := map[string]bool{}

	var keys []string
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+len(delim)]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestS3StorageRoundTrip(t *testing.T) {
	client := newMockS3()
	st := newS3Storage(client, "bucket", "cache")
	ctx := context.Background()

	require.NoError(t, st.Open(ctx, "chabapp-v1"))
	body := []byte{0x00, 0x01, 0xff}
	require.NoError(t, st.Put(ctx, &model.CacheEntry{
		Partition: "chabapp-v1",
		Key:       "GET https://app.example/logo.png",
		Status:    http.StatusOK,
		Header:    http.Header{"Content-Type": {"image/png"}},
		Body:      body,
	}))

	got, err := st.Match(ctx, "chabapp-v1", "GET https://app.example/logo.png")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, body, got.Body)
	assert.Equal(t, "image/png", got.Header.Get("Content-Type"))

	miss, err := st.Match(ctx, "chabapp-v1", "GET https://app.example/other")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestS3StoragePartitionsAndDelete(t *testing.T) {
	client := newMockS3()
	st := newS3Storage(client, "bucket", "cache/")
	ctx := context.Background()

	require.NoError(t, st.Open(ctx, "chabapp-v1"))
	require.NoError(t, st.Open(ctx, "chabapp-v2"))
	require.NoError(t, st.Put(ctx, &model.CacheEntry{Partition: "chabapp-v1", Key: "GET /a", Status: 200, Body: []byte("a")}))

	names, err := st.Partitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"chabapp-v1", "chabapp-v2"}, names)

	require.NoError(t, st.DeletePartition(ctx, "chabapp-v1"))
	names, err = st.Partitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"chabapp-v2"}, names)

	for k := range client.objects {
		assert.False(t, strings.HasPrefix(k, "cache/chabapp-v1/"), k)
	}
}

func TestS3StorageMatchError(t *testing.T) {
	client := newMockS3()
	client.getErr = errors.New("connection reset")
	st := newS3Storage(client, "bucket", "")

	_, err := st.Match(context.Background(), "chabapp-v1", "GET /a")
	require.Error(t, err)
}
