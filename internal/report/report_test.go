package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reactbench/reactbench/internal/config"
	bencherr "github.com/reactbench/reactbench/internal/errors"
	"github.com/reactbench/reactbench/internal/measure"
)

func sampleMeasurements() measure.Measurements {
	return measure.Measurements{
		HeapTotal:     []measure.Sample{{Elapsed: 1, Value: 64}, {Elapsed: 2, Value: 66}},
		HeapUsed:      []measure.Sample{{Elapsed: 1, Value: 20}, {Elapsed: 2, Value: 21.5}},
		ResponseTimes: []measure.Sample{{Elapsed: 0.5, Value: 10}, {Elapsed: 1.2, Value: 20}, {Elapsed: 1.7, Value: 20}, {Elapsed: 2.1, Value: 30}},
	}
}

func TestFileSink_PlainJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	sink, err := NewSink(context.Background(), path, config.S3Config{})
	require.NoError(t, err)

	require.NoError(t, Save(context.Background(), sink, sampleMeasurements()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string][][2]float64
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, [2]float64{1, 64}, doc["heapTotal"][0])
	assert.Equal(t, [2]float64{2, 21.5}, doc["heapUsed"][1])
	assert.Len(t, doc["responseTimes"], 4)
}

func TestFileSink_SnappyFramed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json.sz")
	sink, err := NewSink(context.Background(), path, config.S3Config{})
	require.NoError(t, err)
	assert.True(t, sink.(*FileSink).Compress)

	require.NoError(t, Save(context.Background(), sink, sampleMeasurements()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	data, err := io.ReadAll(snappy.NewReader(f))
	require.NoError(t, err)

	var m measure.Measurements
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, sampleMeasurements(), m)
}

func TestSave_WriteFailureIsShutdownError(t *testing.T) {
	sink := &FileSink{Path: filepath.Join(t.TempDir(), "missing-dir", "out.json")}

	err := Save(context.Background(), sink, sampleMeasurements())
	require.Error(t, err)
	assert.Equal(t, bencherr.ErrCategoryShutdown, bencherr.GetCategory(err))
	assert.False(t, bencherr.IsFatal(err))
	assert.ErrorIs(t, err, ErrWriteFailed)
}

func TestNewSink_InvalidS3Destination(t *testing.T) {
	_, err := NewSink(context.Background(), "s3://bucket-only", config.S3Config{})
	assert.Error(t, err)
}

type fakeS3 struct {
	failures int
	calls    int
	bucket   string
	key      string
	body     []byte
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("503 slow down")
	}
	f.bucket = *params.Bucket
	f.key = *params.Key
	f.body, _ = io.ReadAll(params.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink_RetriesThenUploads(t *testing.T) {
	client := &fakeS3{failures: 1}
	sink := newS3SinkWithClient(client, "bench-results", "runs/1.json")

	require.NoError(t, Save(context.Background(), sink, sampleMeasurements()))
	assert.Equal(t, 2, client.calls)
	assert.Equal(t, "bench-results", client.bucket)
	assert.Equal(t, "runs/1.json", client.key)
	assert.True(t, bytes.Contains(client.body, []byte(`"responseTimes"`)))
	assert.Equal(t, "s3://bench-results/runs/1.json", sink.String())
}

func TestS3Sink_GivesUp(t *testing.T) {
	client := &fakeS3{failures: 100}
	sink := newS3SinkWithClient(client, "b", "k")
	sink.maxRetries = 1

	err := sink.Write(context.Background(), []byte("{}"))
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.Equal(t, 2, client.calls)
}

func TestRender(t *testing.T) {
	state := measure.NewState()
	state.Changes.Add(10)
	state.Correlated.Add(4)

	s := NewSummary("run-1", "poll", 3*time.Second, state.Snapshot(), sampleMeasurements(), 2)
	s.Output = "out.json"

	var buf bytes.Buffer
	Render(&buf, s)
	out := buf.String()

	assert.Contains(t, out, "Final Runtime Status")
	assert.Contains(t, out, "poll")
	assert.Contains(t, out, "Response Times Mean: 20")
	assert.Contains(t, out, "heapTotal (MB)")
	assert.Contains(t, out, "responseTimes histogram")
	assert.Contains(t, out, "out.json")
}

func TestSeriesChart_Downsamples(t *testing.T) {
	samples := make([]measure.Sample, 100)
	for i := range samples {
		samples[i] = measure.Sample{Elapsed: float64(i), Value: float64(i % 10)}
	}
	chart := SeriesChart("heap", samples)

	lines := strings.Split(strings.TrimSpace(chart), "\n")
	assert.Len(t, lines, chartRows+1)
	assert.Contains(t, SeriesChart("empty", nil), "no samples")
}
