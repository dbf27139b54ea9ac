package job

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/superdev/pkg/artifactdir"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Publish(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Status)
	}
	return out
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func newCompileDir(t *testing.T) *artifactdir.CompileDir {
	t.Helper()
	o, err := artifactdir.Create(t.TempDir(), "app", artifactdir.Options{})
	require.NoError(t, err)
	d, err := o.NewCompileDir()
	require.NoError(t, err)
	return d
}

func TestNew_IDsArePerModuleCounters(t *testing.T) {
	a := New("idtest-a", nil, nil)
	b := New("idtest-b", nil, nil)
	a2 := New("idtest-a", nil, nil)

	assert.Equal(t, "idtest-a-0", a.ID())
	assert.Equal(t, "idtest-b-0", b.ID())
	assert.Equal(t, "idtest-a-1", a2.ID())
}

func TestNew_CopiesBindings(t *testing.T) {
	in := map[string]string{"locale": "en"}
	j := New("app", in, nil)
	in["locale"] = "fr"

	assert.Equal(t, "en", j.Bindings()["locale"])

	out := j.Bindings()
	out["locale"] = "de"
	assert.Equal(t, "en", j.Bindings()["locale"])
	assert.True(t, strings.HasSuffix(j.String(), "{locale=en}"))
}

func TestMarkSubmitted(t *testing.T) {
	rec := &recorder{}
	j := New("app", nil, nil)
	assert.False(t, j.IsSubmitted())

	require.NoError(t, j.MarkSubmitted(rec))
	assert.True(t, j.IsSubmitted())
	assert.Equal(t, []Status{StatusWaiting}, rec.statuses())
	assert.Equal(t, StatusWaiting.DefaultMessage(), rec.last().Message)

	err := j.MarkSubmitted(rec)
	require.Error(t, err)
	assert.True(t, IsStateError(err))
	assert.Len(t, rec.statuses(), 1)
}

func TestMarkSubmitted_RejectedWaitingLeavesJobUnsubmitted(t *testing.T) {
	rejecting := &recorder{err: StateErrorf("app-0", "publish WAITING", "job id is already active")}
	j := New("app", nil, nil)

	err := j.MarkSubmitted(rejecting)
	require.Error(t, err)
	assert.True(t, IsStateError(err))
	assert.False(t, j.IsSubmitted())
	assert.ErrorIs(t, j.OnStarted(), ErrIllegalState, "no publisher is kept")

	rec := &recorder{}
	require.NoError(t, j.MarkSubmitted(rec))
	assert.True(t, j.IsSubmitted())
	assert.Equal(t, []Status{StatusWaiting}, rec.statuses())
}

func TestPublishBeforeSubmitIsStateError(t *testing.T) {
	j := New("app", nil, nil)
	err := j.OnStarted()
	assert.ErrorIs(t, err, ErrIllegalState)
}

func TestOnFinished_SuccessPublishesServingThenReleasesWaiters(t *testing.T) {
	rec := &recorder{}
	j := New("app", map[string]string{"locale": "en"}, nil)
	require.NoError(t, j.MarkSubmitted(rec))
	require.NoError(t, j.OnStarted())

	dir := newCompileDir(t)
	require.NoError(t, j.OnCompileDir(dir))

	got := make(chan Result, 1)
	go func() {
		r, err := j.Wait(context.Background())
		if err == nil {
			got <- r
		}
	}()

	require.NoError(t, j.OnFinished(Ok(dir, StrategyFull)))

	select {
	case r := <-got:
		assert.True(t, r.OK())
		assert.Equal(t, dir.Root(), r.Dir.Root())
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after the result was set")
	}

	assert.True(t, j.IsDone())
	ev := rec.last()
	assert.Equal(t, StatusServing, ev.Status)
	assert.Equal(t, dir.Root(), ev.CompileDir)
	assert.Equal(t, StrategyFull, ev.Strategy)
	assert.Equal(t, "locale=en", ev.BindingString())
}

func TestOnFinished_FailurePublishesError(t *testing.T) {
	rec := &recorder{}
	j := New("app", nil, nil)
	require.NoError(t, j.MarkSubmitted(rec))

	require.NoError(t, j.OnFinished(Failed(errors.New("syntax error"))))

	r, ok := j.Result()
	require.True(t, ok)
	assert.False(t, r.OK())
	assert.EqualError(t, r.Err, "syntax error")
	assert.Equal(t, StatusError, rec.last().Status)
	assert.Equal(t, "syntax error", rec.last().Message)
}

func TestOnFinished_Twice(t *testing.T) {
	rec := &recorder{}
	j := New("app", nil, nil)
	require.NoError(t, j.MarkSubmitted(rec))
	require.NoError(t, j.OnFinished(Failed(errors.New("first"))))
	n := len(rec.statuses())

	err := j.OnFinished(Failed(errors.New("second")))
	assert.True(t, IsStateError(err))
	assert.Len(t, rec.statuses(), n)

	r, _ := j.Result()
	assert.EqualError(t, r.Err, "first")
}

func TestOnFinished_ResultSetEvenWhenPublishFails(t *testing.T) {
	rec := &recorder{}
	j := New("app", nil, nil)
	require.NoError(t, j.MarkSubmitted(rec))

	rec.err = errors.New("registry rejected event")
	err := j.OnFinished(Failed(errors.New("boom")))
	require.Error(t, err)

	assert.True(t, j.IsDone())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = j.Wait(ctx)
	assert.NoError(t, err)
}

func TestWait_RespectsContext(t *testing.T) {
	j := New("app", nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := j.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, j.IsDone())
}

func TestOnProgress(t *testing.T) {
	rec := &recorder{}
	j := New("app", nil, nil)
	require.NoError(t, j.MarkSubmitted(rec))

	require.NoError(t, j.OnProgress(2, 5))
	ev := rec.last()
	assert.Equal(t, StatusCompiling, ev.Status)
	require.NotNil(t, ev.Progress)
	assert.Equal(t, Progress{Done: 2, Total: 5}, *ev.Progress)
	assert.Equal(t, "compiling (2/5)", ev.Message)
}

func TestOnGoneKeepsCompileDir(t *testing.T) {
	rec := &recorder{}
	j := New("app", nil, nil)
	require.NoError(t, j.MarkSubmitted(rec))
	dir := newCompileDir(t)
	require.NoError(t, j.OnFinished(Ok(dir, StrategyIncremental)))

	require.NoError(t, j.OnGone())
	ev := rec.last()
	assert.Equal(t, StatusGone, ev.Status)
	assert.Equal(t, dir.Root(), ev.CompileDir)
	assert.Equal(t, StrategyIncremental, ev.Strategy)
}

func TestLogger_LazyAndAttach(t *testing.T) {
	j := New("app", nil, zap.NewNop())
	l1 := j.Logger()
	assert.Same(t, l1, j.Logger())

	dir := newCompileDir(t)
	require.NoError(t, j.AttachLog(dir.LogFile()))
	assert.Error(t, j.AttachLog(dir.LogFile()))

	j.Logger().Info("starting compile")
	_, err := j.LogWriter().Write([]byte("compiler output line\n"))
	require.NoError(t, err)
	require.NoError(t, j.CloseLog())
	require.NoError(t, j.CloseLog())

	b, err := os.ReadFile(dir.LogFile())
	require.NoError(t, err)
	assert.Contains(t, string(b), "starting compile")
	assert.Contains(t, string(b), "compiler output line")

	j.Logger().Info("after close")
	b, err = os.ReadFile(dir.LogFile())
	require.NoError(t, err)
	assert.NotContains(t, string(b), "after close")
}

func TestFailedNilCause(t *testing.T) {
	r := Failed(nil)
	assert.Error(t, r.Err)
	assert.False(t, r.OK())
}

func TestEventClone(t *testing.T) {
	ev := Event{Bindings: map[string]string{"a": "1"}, Progress: &Progress{Done: 1, Total: 2}}
	c := ev.Clone()
	c.Bindings["a"] = "2"
	c.Progress.Done = 2
	assert.Equal(t, "1", ev.Bindings["a"])
	assert.Equal(t, 1, ev.Progress.Done)
}
