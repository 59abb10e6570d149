package observe

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/monzo/tap"
	"github.com/monzo/terrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingService returns rsp for every request, counting how many it received.
func countingService(rsp func(tap.Request) tap.Response, calls *int) tap.Service {
	return func(req tap.Request) tap.Response {
		*calls++
		return rsp(req)
	}
}

func TestRecorderZeroValue(t *testing.T) {
	t.Parallel()
	rec := &Recorder{}
	assert.Nil(t, rec.Response.Response)
	assert.NoError(t, rec.Error)
}

func TestRecorder(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		rsp     func(tap.Request) tap.Response
		wantErr error
	}{
		{
			name: "no attached error",
			rsp: func(req tap.Request) tap.Response {
				return req.Response("ok")
			},
		},
		{
			name: "handled cause",
			rsp: func(req tap.Request) tap.Response {
				rsp := req.Response("ok")
				rsp.Cause = errIllegal
				return rsp
			},
			wantErr: errIllegal,
		},
		{
			name: "failure",
			rsp: func(req tap.Request) tap.Response {
				rsp := tap.NewResponse(req)
				rsp.Error = errIllegal
				return rsp
			},
			wantErr: errIllegal,
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			rec := &Recorder{}
			svc := countingService(c.rsp, &calls).Filter(rec.Filter)

			rsp := svc(tap.NewRequest(context.Background(), "GET", "/", nil))
			assert.Equal(t, 1, calls)
			assert.Same(t, rsp.Response, rec.Response.Response)
			assert.Equal(t, rsp, rec.Response)
			assert.Equal(t, c.wantErr, rec.Error)
		})
	}
}

var errIllegal = terrors.New("illegal_state", "no context", nil)

func TestRecorderOverwrites(t *testing.T) {
	t.Parallel()

	n := 0
	rec := &Recorder{}
	svc := tap.Service(func(req tap.Request) tap.Response {
		n++
		rsp := tap.NewResponseWithCode(req, http.StatusOK+n)
		if n == 1 {
			rsp.Cause = errIllegal
		}
		return rsp
	}).Filter(rec.Filter)

	first := svc(tap.NewRequest(nil, "GET", "/", nil))
	assert.Same(t, first.Response, rec.Response.Response)
	assert.Equal(t, errIllegal, rec.Error)

	// A second response replaces the first, including the absence of an error
	second := svc(tap.NewRequest(nil, "GET", "/", nil))
	assert.Same(t, second.Response, rec.Response.Response)
	assert.Equal(t, http.StatusOK+2, rec.Response.StatusCode)
	assert.NoError(t, rec.Error)
}

func TestRecorderLeavesResponseUnchanged(t *testing.T) {
	t.Parallel()

	rec := &Recorder{}
	svc := tap.Service(func(req tap.Request) tap.Response {
		rsp := req.ResponseWithCode(map[string]string{"a": "b"}, http.StatusAccepted)
		rsp.Header.Set("X-Foo", "bar")
		return rsp
	})
	direct := svc(tap.NewRequest(nil, "GET", "/", nil))
	filtered := svc.Filter(rec.Filter)(tap.NewRequest(nil, "GET", "/", nil))

	assert.Equal(t, direct.StatusCode, filtered.StatusCode)
	assert.Equal(t, direct.Header, filtered.Header)
	assert.Equal(t, direct.ContentLength, filtered.ContentLength)
	db, err := direct.BodyBytes(true)
	require.NoError(t, err)
	fb, err := filtered.BodyBytes(true)
	require.NoError(t, err)
	assert.Equal(t, db, fb)
}

func TestFunc(t *testing.T) {
	t.Parallel()

	var order []string
	var seen tap.Response
	f := Func(func(req tap.Request, rsp tap.Response) {
		order = append(order, "observe")
		seen = rsp
	})
	svc := tap.Service(func(req tap.Request) tap.Response {
		order = append(order, "chain")
		return req.Response(nil)
	}).Filter(f)

	rsp := svc(tap.NewRequest(nil, "GET", "/", nil))
	order = append(order, "caller")
	assert.Equal(t, []string{"chain", "observe", "caller"}, order)
	assert.Same(t, rsp.Response, seen.Response)
}

func TestChan(t *testing.T) {
	t.Parallel()

	c := make(chan Observation, 1)
	svc := tap.Service(func(req tap.Request) tap.Response {
		rsp := req.Response(nil)
		rsp.Cause = errIllegal
		return rsp
	}).Filter(Chan(c))

	req := tap.NewRequest(nil, "GET", "/observed", nil)
	rsp := svc(req)
	o := <-c
	assert.Same(t, rsp.Response, o.Response.Response)
	assert.Equal(t, errIllegal, o.Error)
	assert.Equal(t, "/observed", o.Request.URL.Path)
}

func TestChanDropsWhenRequestDone(t *testing.T) {
	t.Parallel()

	c := make(chan Observation) // nobody receives
	svc := tap.Service(func(req tap.Request) tap.Response {
		return req.Response(nil)
	}).Filter(Chan(c))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rsp := svc(tap.NewRequest(ctx, "GET", "/", nil))
	assert.NoError(t, rsp.Error)
	assert.Equal(t, http.StatusOK, rsp.StatusCode)
}

func TestLog(t *testing.T) {
	t.Parallel()

	calls := 0
	svc := countingService(func(req tap.Request) tap.Response {
		rsp := tap.NewResponse(req)
		rsp.Error = errors.New("boom")
		return rsp
	}, &calls).Filter(Log("test"))

	rsp := svc(tap.NewRequest(nil, "GET", "/", nil))
	assert.Equal(t, 1, calls)
	assert.EqualError(t, rsp.Error, "boom")
}

func TestRouterBinding(t *testing.T) {
	t.Parallel()

	router := &tap.Router{}
	calls := map[string]int{}
	for _, path := range []string{"/suspend/illegalWithContext", "/suspend/other"} {
		path := path
		router.GET(path, func(req tap.Request) tap.Response {
			calls[path]++
			return req.Response(path)
		})
	}
	rec := &Recorder{}
	router.Filter("/suspend/illegalWithContext", rec.Filter)
	svc := router.Serve()

	// Not matching: never observed
	svc(tap.NewRequest(nil, "GET", "/suspend/other", nil))
	assert.Nil(t, rec.Response.Response)
	assert.Equal(t, 1, calls["/suspend/other"])

	rsp := svc(tap.NewRequest(nil, "GET", "/suspend/illegalWithContext", nil))
	assert.Same(t, rsp.Response, rec.Response.Response)
	assert.Equal(t, 1, calls["/suspend/illegalWithContext"])
}

func TestDrain(t *testing.T) {
	defer leaktest.Check(t)()

	c := make(chan Observation, 3)
	var paths []string
	stop := Drain(c, func(o Observation) {
		paths = append(paths, o.Request.URL.Path)
	})
	svc := tap.Service(func(req tap.Request) tap.Response {
		return req.Response(nil)
	}).Filter(Chan(c))
	for _, path := range []string{"/a", "/b", "/c"} {
		svc(tap.NewRequest(nil, "GET", path, nil))
	}

	// Everything sent before stopping is handled before stop returns
	stop(context.Background())
	assert.Equal(t, []string{"/a", "/b", "/c"}, paths)
	stop(context.Background())
}

func TestDrainClosedChannel(t *testing.T) {
	defer leaktest.Check(t)()

	c := make(chan Observation)
	calls := 0
	stop := Drain(c, func(Observation) { calls++ })
	close(c)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	stop(ctx)
	assert.NoError(t, ctx.Err())
	assert.Equal(t, 0, calls)
}

func TestDrainStopExpires(t *testing.T) {
	defer leaktest.Check(t)()

	c := make(chan Observation, 1)
	entered := make(chan struct{})
	release := make(chan struct{})
	stop := Drain(c, func(Observation) {
		close(entered)
		<-release
	})
	c <- Observation{}
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stop(ctx) // returns even though fn is still running
	close(release)
	stop(context.Background())
}
