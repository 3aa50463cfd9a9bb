package archive

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stratusgg/stratus/pkg/types"
)

type fakeS3 struct {
	objects map[string][]byte
	putErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(params.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NotFoundError{Resource: "object " + aws.ToString(params.Key)}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(body)))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestArchiveRoundTrip(t *testing.T) {
	fake := newFakeS3()
	store := &Store{client: fake, bucket: "stratus-archive"}

	rec := &types.InstanceRecord{
		InstanceID: "i-0dead",
		UserID:     "alice",
		State:      "terminated",
		VolumeID:   "vol-0keep",
		DCVURL:     "https://198.51.100.7:8443?session-id=user-alice-session",
		CreatedAt:  time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.Archive(context.Background(), rec); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if len(fake.objects) != 1 {
		t.Fatalf("objects = %d, want 1", len(fake.objects))
	}

	var key string
	for k := range fake.objects {
		key = k
	}
	if !strings.HasPrefix(key, "records/alice/i-0dead-") || !strings.HasSuffix(key, ".json.zst") {
		t.Errorf("key = %q, want records/alice/i-0dead-*.json.zst", key)
	}

	got, err := store.Fetch(context.Background(), key)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.InstanceID != rec.InstanceID || got.VolumeID != rec.VolumeID || got.DCVURL != rec.DCVURL {
		t.Errorf("fetched record = %+v, want original fields back", got)
	}
}

func TestArchiveDelete(t *testing.T) {
	fake := newFakeS3()
	store := &Store{client: fake, bucket: "stratus-archive"}

	rec := &types.InstanceRecord{InstanceID: "i-0gone", UserID: "bob", State: "terminated"}
	if err := store.Archive(context.Background(), rec); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	var key string
	for k := range fake.objects {
		key = k
	}
	if err := store.Delete(context.Background(), key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(fake.objects) != 0 {
		t.Errorf("objects = %d after delete, want 0", len(fake.objects))
	}
}
