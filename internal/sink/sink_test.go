package sink_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conductor/internal/command"
	"github.com/mattjoyce/conductor/internal/sink"
	"github.com/mattjoyce/conductor/internal/sink/mocks"
	"github.com/mattjoyce/conductor/internal/workflow"
)

func result() command.Result {
	return command.Result{
		CommandID: "c-1",
		Status:    command.StatusCompleted,
		Output:    json.RawMessage(`{"ip":"10.0.0.4"}`),
	}
}

func TestCompositeEmptyCallbackIsStoreOnly(t *testing.T) {
	c := sink.NewComposite()
	assert.NoError(t, c.Deliver(context.Background(), command.Message{ID: "m-1"}, result()))
}

func TestCompositeHTTPSignsBody(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
		gotMsg  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(sink.SignatureHeader)
		gotMsg = r.Header.Get(sink.MessageIDHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := sink.NewComposite(sink.WithHTTP(sink.NewHTTPSink("s3cret", time.Second)))
	msg := command.Message{ID: "m-1", CallbackURL: srv.URL + "/results"}
	require.NoError(t, c.Deliver(context.Background(), msg, result()))

	assert.Equal(t, "m-1", gotMsg)
	assert.NoError(t, sink.Verify(gotBody, gotSig, "s3cret"))
	assert.Error(t, sink.Verify(gotBody, gotSig, "other"))

	var got command.Result
	require.NoError(t, json.Unmarshal(gotBody, &got))
	assert.Equal(t, "c-1", got.CommandID)
	assert.Equal(t, command.StatusCompleted, got.Status)
}

func TestCompositeHTTPStatusClassification(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c := sink.NewComposite(sink.WithHTTP(sink.NewHTTPSink("", time.Second)))
	msg := command.Message{ID: "m-1", CallbackURL: srv.URL}

	status.Store(http.StatusServiceUnavailable)
	err := c.Deliver(context.Background(), msg, result())
	require.Error(t, err)
	assert.False(t, workflow.IsPermanent(err))

	status.Store(http.StatusTooManyRequests)
	err = c.Deliver(context.Background(), msg, result())
	require.Error(t, err)
	assert.False(t, workflow.IsPermanent(err))

	status.Store(http.StatusBadRequest)
	err = c.Deliver(context.Background(), msg, result())
	require.Error(t, err)
	assert.True(t, workflow.IsPermanent(err))
}

func TestCompositeMQTTPublishesToTopic(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockPublisher(ctrl)
	pub.EXPECT().
		Publish(gomock.Any(), "conductor/results/deploy", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, payload []byte) error {
			var got command.Result
			require.NoError(t, json.Unmarshal(payload, &got))
			assert.Equal(t, "c-1", got.CommandID)
			return nil
		})

	c := sink.NewComposite(sink.WithMQTT(sink.NewMQTTSink(pub, "conductor")))
	msg := command.Message{ID: "m-1", CallbackURL: "mqtt://results/deploy"}
	assert.NoError(t, c.Deliver(context.Background(), msg, result()))
}

func TestCompositeMQTTErrorIsRetryable(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockPublisher(ctrl)
	pub.EXPECT().Publish(gomock.Any(), "results", gomock.Any()).Return(errors.New("not connected"))

	c := sink.NewComposite(sink.WithMQTT(sink.NewMQTTSink(pub, "")))
	err := c.Deliver(context.Background(), command.Message{CallbackURL: "mqtt://results"}, result())
	require.Error(t, err)
	assert.False(t, workflow.IsPermanent(err))
}

func TestCompositeUnroutableCallbacksArePermanent(t *testing.T) {
	c := sink.NewComposite()
	for _, addr := range []string{"ftp://example.test/x", "https://example.test/x", "mqtt://results"} {
		err := c.Deliver(context.Background(), command.Message{CallbackURL: addr}, result())
		require.Error(t, err, addr)
		assert.True(t, workflow.IsPermanent(err), addr)
	}
}
