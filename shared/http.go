package shared

import (
	"context"

	"github.com/valyala/fasthttp"
)

type httpResult struct {
	status int
	body   []byte
	err    error
}

// DoContext performs req with client and gives up when ctx is done. It takes
// ownership of req and releases it once the request has finished.
func DoContext(ctx context.Context, client *fasthttp.Client, req *fasthttp.Request) (status int, body []byte, err error) {
	resC := make(chan httpResult, 1)
	go func() {
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		var res httpResult
		if deadline, ok := ctx.Deadline(); ok {
			res.err = client.DoDeadline(req, resp, deadline)
		} else {
			res.err = client.Do(req, resp)
		}
		if res.err == nil {
			res.status = resp.StatusCode()
			res.body = append([]byte(nil), resp.Body()...)
		}
		resC <- res
	}()
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case res := <-resC:
		if res.err != nil && ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return res.status, res.body, res.err
	}
}
