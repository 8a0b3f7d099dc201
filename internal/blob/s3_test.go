package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects   map[string][]byte
	pages     []*s3.ListObjectsV2Output
	putErr    error
	getErr    error
	listErr   error
	deleteErr error
	lastPut   *s3.PutObjectInput
	listCalls []*s3.ListObjectsV2Input
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.lastPut = in
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, _ := io.ReadAll(in.Body)
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.listCalls = append(f.listCalls, in)
	if f.listErr != nil {
		return nil, f.listErr
	}
	idx := len(f.listCalls) - 1
	if idx >= len(f.pages) {
		return &s3.ListObjectsV2Output{}, nil
	}
	return f.pages[idx], nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func mustNewS3Store(t *testing.T, api *fakeS3) *S3Store {
	t.Helper()
	s, err := NewS3Store(api, "text-generation")
	require.NoError(t, err)
	return s
}

func TestNewS3Store_Validates(t *testing.T) {
	_, err := NewS3Store(nil, "bucket")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")

	_, err = NewS3Store(&fakeS3{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func TestS3Store_PutGet(t *testing.T) {
	api := &fakeS3{}
	s := mustNewS3Store(t, api)

	require.NoError(t, s.Put(context.Background(), "chats/2024/03/01/abc123.json", []byte(`{"id":"abc123"}`)))
	require.Equal(t, "text-generation", aws.ToString(api.lastPut.Bucket))
	require.Equal(t, "application/json", aws.ToString(api.lastPut.ContentType))

	data, err := s.Get(context.Background(), "chats/2024/03/01/abc123.json")
	require.NoError(t, err)
	require.Equal(t, `{"id":"abc123"}`, string(data))
}

func TestS3Store_GetMissingMapsToNotFound(t *testing.T) {
	s := mustNewS3Store(t, &fakeS3{})
	_, err := s.Get(context.Background(), "chats/2024/03/01/none.json")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestS3Store_GetError(t *testing.T) {
	s := mustNewS3Store(t, &fakeS3{getErr: errors.New("connection reset")})
	_, err := s.Get(context.Background(), "k")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
	require.Contains(t, err.Error(), "connection reset")
}

func TestS3Store_PutError(t *testing.T) {
	s := mustNewS3Store(t, &fakeS3{putErr: errors.New("AccessDenied")})
	err := s.Put(context.Background(), "k", []byte("{}"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "s3 put")
}

func TestS3Store_ListFollowsContinuation(t *testing.T) {
	api := &fakeS3{pages: []*s3.ListObjectsV2Output{
		{
			Contents:              []types.Object{{Key: aws.String("chats/2024/03/01/a.json")}},
			IsTruncated:           aws.Bool(true),
			NextContinuationToken: aws.String("next"),
		},
		{
			Contents: []types.Object{{Key: aws.String("chats/2024/03/01/b.json")}},
		},
	}}
	s := mustNewS3Store(t, api)

	keys, err := s.List(context.Background(), "chats/2024/03/01/")
	require.NoError(t, err)
	require.Equal(t, []string{"chats/2024/03/01/a.json", "chats/2024/03/01/b.json"}, keys)
	require.Len(t, api.listCalls, 2)
	require.Equal(t, "chats/2024/03/01/", aws.ToString(api.listCalls[0].Prefix))
	require.Equal(t, "next", aws.ToString(api.listCalls[1].ContinuationToken))
}

func TestS3Store_ListError(t *testing.T) {
	s := mustNewS3Store(t, &fakeS3{listErr: errors.New("throttled")})
	_, err := s.List(context.Background(), "chats/")
	require.Error(t, err)
	require.Contains(t, err.Error(), "s3 list")
}

func TestS3Store_Delete(t *testing.T) {
	api := &fakeS3{objects: map[string][]byte{"k": []byte("v")}}
	s := mustNewS3Store(t, api)
	require.NoError(t, s.Delete(context.Background(), "k"))
	require.Empty(t, api.objects)

	api.deleteErr = &types.NoSuchKey{}
	require.NoError(t, s.Delete(context.Background(), "k"))

	api.deleteErr = errors.New("boom")
	require.Error(t, s.Delete(context.Background(), "k"))
}
