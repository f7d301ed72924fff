package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Step{EnvID: 7, Reward: -1.5, Done: true, Observation: []byte{1, 2, 3, 4}}
	require.NoError(t, WriteStep(&buf, in))
	assert.Equal(t, StepFrameSize(4), buf.Len())

	var out Step
	require.NoError(t, ReadStep(&buf, 4, &out))
	assert.Equal(t, in, out)

	err := ReadStep(&buf, 4, &out)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStepFrameLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteStep(&buf, Step{EnvID: 1, Reward: 1, Observation: []byte{9}}))
	assert.Equal(t, []byte{Version, 1, 0, 0, 0, 0, 0, 0x80, 0x3f, 0, 9}, buf.Bytes())
}

func TestReadStepShortFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteStep(&buf, Step{EnvID: 1, Observation: []byte{1, 2, 3, 4}}))

	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])
	var s Step
	assert.ErrorIs(t, ReadStep(truncated, 4, &s), io.ErrUnexpectedEOF)

	header := bytes.NewReader(buf.Bytes()[:3])
	assert.ErrorIs(t, ReadStep(header, 4, &s), io.ErrUnexpectedEOF)
}

func TestReadRejectsUnknownVersion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteStep(&buf, Step{Observation: []byte{0}}))
	raw := buf.Bytes()
	raw[0] = 9

	var s Step
	assert.ErrorIs(t, ReadStep(bytes.NewReader(raw), 1, &s), ErrUnsupportedVersion)

	_, err := ReadAction(bytes.NewReader([]byte{2, 0, 0, 0, 0}))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestActionFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAction(&buf, -3))
	action, err := ReadAction(&buf)
	require.NoError(t, err)
	assert.Equal(t, int32(-3), action)
}

// echoSession answers each step with the observation's first byte.
type echoSession struct {
	mu     *sync.Mutex
	steps  *[]Step
	closed chan struct{}
}

func (e *echoSession) HandleStep(ctx context.Context, step Step) (int32, error) {
	e.mu.Lock()
	*e.steps = append(*e.steps, Step{EnvID: step.EnvID, Reward: step.Reward, Done: step.Done, Observation: append([]byte(nil), step.Observation...)})
	e.mu.Unlock()
	return int32(step.Observation[0]), nil
}

func (e *echoSession) Close() error {
	close(e.closed)
	return nil
}

type recorder struct {
	mu       sync.Mutex
	steps    []Step
	sessions chan *echoSession
}

func (r *recorder) factory(ctx context.Context, id string, envID int32) (Session, error) {
	s := &echoSession{mu: &r.mu, steps: &r.steps, closed: make(chan struct{})}
	r.sessions <- s
	return s, nil
}

func startServer(t *testing.T, obsSize int) (*Server, *recorder) {
	t.Helper()
	rec := &recorder{sessions: make(chan *echoSession, 8)}
	srv := NewServer("127.0.0.1:0", obsSize, rec.factory, zerolog.Nop())
	require.NoError(t, srv.Listen())

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()
	t.Cleanup(func() {
		require.NoError(t, srv.Stop())
		require.NoError(t, <-done)
	})
	return srv, rec
}

func TestServerAnswersSteps(t *testing.T) {
	srv, rec := startServer(t, 2)

	conn, err := Dial(context.Background(), srv.Addr(), 3)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 5; i++ {
		action, err := conn.Step([]byte{byte(i), 0}, float32(i), i == 4)
		require.NoError(t, err)
		assert.Equal(t, int32(i), action)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.steps, 5)
	assert.Equal(t, int32(3), rec.steps[0].EnvID)
	assert.Equal(t, float32(4), rec.steps[4].Reward)
	assert.True(t, rec.steps[4].Done)

	clients := srv.Clients()
	require.Len(t, clients, 1)
	assert.Equal(t, int32(3), clients[0].EnvID)
	assert.NotEmpty(t, clients[0].ID)
}

func TestShortReadEndsOnlyThatConnection(t *testing.T) {
	srv, rec := startServer(t, 2)

	good, err := Dial(context.Background(), srv.Addr(), 0)
	require.NoError(t, err)
	defer good.Close()
	_, err = good.Step([]byte{1, 1}, 0, false)
	require.NoError(t, err)
	<-rec.sessions

	bad, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, WriteStep(&buf, Step{EnvID: 1, Observation: []byte{5, 5}}))
	require.NoError(t, WriteStep(&buf, Step{EnvID: 1, Observation: []byte{6, 6}}))
	raw := buf.Bytes()
	_, err = bad.Write(raw[:len(raw)-1])
	require.NoError(t, err)

	action, err := ReadAction(bad)
	require.NoError(t, err)
	assert.Equal(t, int32(5), action)
	require.NoError(t, bad.(*net.TCPConn).CloseWrite())

	badSession := <-rec.sessions
	select {
	case <-badSession.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("session for truncated connection was not closed")
	}
	bad.Close()

	action, err = good.Step([]byte{2, 2}, 0, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), action)
}

func TestEnvMismatchEndsConnection(t *testing.T) {
	srv, rec := startServer(t, 1)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, WriteStep(conn, Step{EnvID: 1, Observation: []byte{4}}))
	_, err = ReadAction(conn)
	require.NoError(t, err)

	require.NoError(t, WriteStep(conn, Step{EnvID: 2, Observation: []byte{4}}))
	_, err = ReadAction(conn)
	assert.Error(t, err)

	s := <-rec.sessions
	select {
	case <-s.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("session was not closed")
	}
}

func TestStopClosesConnections(t *testing.T) {
	rec := &recorder{sessions: make(chan *echoSession, 1)}
	srv := NewServer("127.0.0.1:0", 1, rec.factory, zerolog.Nop())
	require.NoError(t, srv.Listen())
	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	conn, err := Dial(context.Background(), srv.Addr(), 0)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Step([]byte{1}, 0, false)
	require.NoError(t, err)

	require.NoError(t, srv.Stop())
	require.NoError(t, <-done)

	_, err = conn.Step([]byte{1}, 0, false)
	assert.True(t, err != nil && !errors.Is(err, ErrUnsupportedVersion))
}
