package snapshot

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/copyleftdev/scryrun/internal/config"
)

type tally struct {
	mu     sync.Mutex
	counts map[string]int
}

func (t *tally) SnapshotDelivered(result string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts == nil {
		t.counts = make(map[string]int)
	}
	t.counts[result]++
}

func (t *tally) get(result string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[result]
}

type uploaderFunc func(ctx context.Context, key string, image []byte) error

func (f uploaderFunc) Upload(ctx context.Context, key string, image []byte) error {
	return f(ctx, key, image)
}

func TestQueue_SubmitNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	inFlight := make(chan struct{}, 1)
	up := uploaderFunc(func(ctx context.Context, _ string, _ []byte) error {
		select {
		case inFlight <- struct{}{}:
		default:
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	rec := &tally{}
	q := NewQueue(up, QueueOptions{Workers: 1, Size: 2}, zaptest.NewLogger(t), rec)

	q.Submit("wallet/balance", []byte("png"))
	<-inFlight
	start := time.Now()
	for range 9 {
		q.Submit("wallet/balance", []byte("png"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(release)
	require.NoError(t, q.Close(context.Background()))
	// one in flight, two queued, the rest dropped
	assert.Equal(t, 3, rec.get("uploaded"))
	assert.Equal(t, 7, rec.get("dropped"))

	q.Submit("late", []byte("png"))
	assert.Equal(t, 8, rec.get("dropped"))
}

func TestQueue_FailuresAreCounted(t *testing.T) {
	up := uploaderFunc(func(context.Context, string, []byte) error { return errors.New("503") })
	rec := &tally{}
	q := NewQueue(up, QueueOptions{Workers: 2, RatePerSec: 1000}, zaptest.NewLogger(t), rec)
	q.Submit("a", nil)
	q.Submit("b", nil)
	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, 2, rec.get("failed"))
}

func TestHTTPUploader(t *testing.T) {
	var gotName, gotAuth, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotName = r.URL.Query().Get("name")
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		if gotName == "reject" {
			http.Error(w, "bad snapshot", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	up := &HTTPUploader{Endpoint: srv.URL + "/snapshots", Token: "secret"}
	require.NoError(t, up.Upload(context.Background(), "menu/settings", []byte{0x89, 'P'}))
	assert.Equal(t, "menu/settings", gotName)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "image/png", gotType)
	assert.Equal(t, []byte{0x89, 'P'}, gotBody)

	err := up.Upload(context.Background(), "reject", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func fakeS3(t *testing.T, bucket string) *s3.Client {
	t.Helper()
	ts := httptest.NewServer(gofakes3.New(s3mem.New()).Server())
	t.Cleanup(ts.Close)

	ctx := context.Background()
	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test-key", "test-secret", "")),
	)
	require.NoError(t, err)
	client := s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(ts.URL)
		o.UsePathStyle = true
	})
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	require.NoError(t, err)
	return client
}

func TestS3Uploader(t *testing.T) {
	client := fakeS3(t, "snaps")
	rec := &tally{}
	q := NewQueue(NewS3Uploader(client, "snaps", "runs/42"), QueueOptions{}, zaptest.NewLogger(t), rec)
	q.Submit("wallet-default-balance/wallet", []byte("image-bytes"))
	require.NoError(t, q.Close(context.Background()))
	require.Equal(t, 1, rec.get("uploaded"))

	out, err := client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String("snaps"),
		Key:    aws.String("runs/42/wallet-default-balance/wallet.png"),
	})
	require.NoError(t, err)
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(body))
	assert.Equal(t, "image/png", aws.ToString(out.ContentType))
}

func TestNew(t *testing.T) {
	q, err := New(context.Background(), config.SnapshotConfig{Sink: "none"}, func(string) string { return "" }, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	assert.Nil(t, q)

	q, err = New(context.Background(), config.SnapshotConfig{Sink: "http", Endpoint: "http://localhost:1"}, func(string) string { return "" }, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	require.NotNil(t, q)
	require.NoError(t, q.Close(context.Background()))

	_, err = New(context.Background(), config.SnapshotConfig{Sink: "ftp"}, func(string) string { return "" }, zaptest.NewLogger(t), nil)
	assert.Error(t, err)
}
